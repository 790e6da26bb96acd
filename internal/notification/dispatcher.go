package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
)

// ErrUnknownChannel is returned by SendTest for an unregistered channel name.
var ErrUnknownChannel = errors.New("unknown channel")

// Dispatcher routes a message to the channels an alert names.
type Dispatcher struct {
	channels map[model.ChannelName]Channel
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewDispatcher registers channels by name. m may be nil.
func NewDispatcher(log *slog.Logger, m *metrics.Metrics, channels ...Channel) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{channels: make(map[model.ChannelName]Channel, len(channels)), metrics: m, log: log}
	for _, c := range channels {
		d.channels[c.Name()] = c
	}
	return d
}

// Channel returns the registered channel for name.
func (d *Dispatcher) Channel(name model.ChannelName) (Channel, bool) {
	c, ok := d.channels[name]
	return c, ok
}

// Dispatch attempts every named channel in order, once per name. A failing or
// panicking channel never prevents the others from being attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, user *model.User, names []model.ChannelName, msg string,
	alert *model.PersonalAlert, data map[string]any) model.DeliveryStatus {
	status := make(model.DeliveryStatus, len(names))
	for _, name := range names {
		if _, done := status[name]; done {
			continue
		}
		c, ok := d.channels[name]
		if !ok {
			status[name] = model.DeliveryResult{Error: ErrUnknownChannel.Error()}
			d.metrics.ObserveDelivery(string(name), false, false)
			continue
		}
		if !c.IsConfigured(user) {
			status[name] = model.DeliveryResult{Skipped: true, ErrorCode: CodeNotConfigured, Error: "channel not configured for user"}
			d.metrics.ObserveDelivery(string(name), false, true)
			continue
		}

		r := d.safeSend(ctx, c, user, msg, alert, data)
		status[name] = r.Delivery()
		d.metrics.ObserveDelivery(string(name), r.Success, false)
		if !r.Success {
			d.log.Warn("delivery failed", "channel", name, "user_id", userID(user), "code", r.ErrorCode, "error", r.Error)
		}
	}
	return status
}

func (d *Dispatcher) safeSend(ctx context.Context, c Channel, user *model.User, msg string,
	alert *model.PersonalAlert, data map[string]any) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("channel panicked", "channel", c.Name(), "panic", p)
			r = providerFailure(fmt.Errorf("panic: %v", p))
		}
	}()
	return c.Send(ctx, user, msg, alert, data)
}

var notConfiguredHints = map[model.ChannelName]string{
	model.ChannelSMS:      "Add and verify a phone number to receive SMS",
	model.ChannelEmail:    "Add a valid email address to receive email",
	model.ChannelPush:     "Enable push notifications in your browser or app",
	model.ChannelTelegram: "Connect your Telegram account to the bot",
	model.ChannelWhatsApp: "Add a WhatsApp number to receive WhatsApp messages",
	model.ChannelSlack:    "Add a Slack incoming webhook URL",
}

// SendTest sends a user-initiated test message over one channel.
func (d *Dispatcher) SendTest(ctx context.Context, user *model.User, name model.ChannelName, msg string) (r Result, err error) {
	c, ok := d.channels[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if !c.IsConfigured(user) {
		return fail(CodeNotConfigured, notConfiguredHints[name]), nil
	}
	defer func() {
		if p := recover(); p != nil {
			r = providerFailure(fmt.Errorf("panic: %v", p))
		}
	}()
	return c.SendTest(ctx, user, msg), nil
}

func userID(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
