// Package gateway streams trigger events to websocket clients. Events reach
// the hub either directly from the monitors or, with several processes, over
// Redis pub/sub.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulsewatch/internal/metrics"
	"pulsewatch/internal/monitor"
)

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type  string                `json:"type"`
	Seq   int64                 `json:"seq"`
	TS    time.Time             `json:"ts"`
	Event *monitor.TriggerEvent `json:"event,omitempty"`
}

// Hub manages websocket clients and fans trigger events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	replay  *ReplayBuffer
	metrics *metrics.Metrics
	now     func() time.Time

	upgrader websocket.Upgrader
	firehose bool
}

// NewHub creates a hub keeping the last replaySize envelopes. m may be nil.
func NewHub(replaySize int, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replaySize),
		metrics: m,
		now:     time.Now,
		// A nil CheckOrigin makes gorilla enforce same-origin.
		upgrader: websocket.Upgrader{EnableCompression: true},
	}
}

// AllowOrigins accepts browser connections from the listed origins in
// addition to same-origin ones. "*" accepts any origin. Call before serving.
func (h *Hub) AllowOrigins(origins ...string) {
	if len(origins) == 0 {
		return
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
			return
		}
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = true
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// AllowFirehose lets clients without a user_id receive every user's
// events. Off by default. Call before serving.
func (h *Hub) AllowFirehose(on bool) { h.firehose = on }

// Publish delivers a trigger event to connected clients. It satisfies
// monitor.Publisher.
func (h *Hub) Publish(_ context.Context, ev monitor.TriggerEvent) {
	h.deliver(ev)
}

// Broadcast delivers a JSON-encoded trigger event, as relayed over Redis.
func (h *Hub) Broadcast(payload []byte) {
	var ev monitor.TriggerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[gateway] dropping malformed event: %v", err)
		return
	}
	h.deliver(ev)
}

func (h *Hub) deliver(ev monitor.TriggerEvent) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	buf, err := json.Marshal(Envelope{Type: "trigger", Seq: seq, TS: h.now().UTC(), Event: &ev})
	if err != nil {
		log.Printf("[gateway] marshal envelope: %v", err)
		return
	}
	h.replay.Push(seq, ev.UserID, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(ev.UserID) {
			continue
		}
		select {
		case client.send <- buf:
		default:
			h.metrics.ObserveWSDrop()
		}
	}
}

// Seq returns the sequence number of the latest envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ServeHTTP upgrades the connection and registers a client. Query
// parameters: user_id limits the stream to one user and is required unless
// the firehose is enabled, last_seq replays buffered envelopes newer than it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("user_id") == "" && !h.firehose {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("last_seq"), 10, 64)
	h.Register(conn, r.URL.Query().Get("user_id"), lastSeq)
}

// Register attaches an upgraded connection to the hub.
func (h *Hub) Register(conn *websocket.Conn, userID string, lastSeq int64) *Client {
	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h,
		userID: userID,
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWSClients(count)

	log.Printf("[gateway] ws client connected (%d total)", count)

	if lastSeq > 0 {
		client.sendReplay(lastSeq)
	}
	go client.writePump()
	go client.readPump()
	return client
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()
	h.metrics.SetWSClients(count)
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.RemoveClient(c)
	}
}
