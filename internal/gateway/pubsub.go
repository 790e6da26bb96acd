package gateway

import (
	"context"
	"encoding/json"
	"log"

	"pulsewatch/internal/monitor"
)

// EventsChannel is the pub/sub channel carrying trigger events.
const EventsChannel = "events:triggers"

// EventBus is a pub/sub transport. *redis.Client from internal/store/redis
// satisfies it.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, fn func([]byte))
}

// Relay publishes trigger events to the bus and feeds bus messages to the
// local hub, so clients of any process see events from every process.
type Relay struct {
	bus EventBus
	hub *Hub
}

// NewRelay creates a relay between bus and hub.
func NewRelay(bus EventBus, hub *Hub) *Relay {
	return &Relay{bus: bus, hub: hub}
}

// Publish sends ev over the bus. When the bus is unavailable the event is
// delivered to local clients only. It satisfies monitor.Publisher.
func (r *Relay) Publish(ctx context.Context, ev monitor.TriggerEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[gateway] marshal event: %v", err)
		return
	}
	if err := r.bus.Publish(ctx, EventsChannel, payload); err != nil {
		log.Printf("[gateway] publish failed, delivering locally: %v", err)
		r.hub.Publish(ctx, ev)
	}
}

// Run subscribes to the bus. Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.bus.Subscribe(ctx, EventsChannel, r.hub.Broadcast)
}
