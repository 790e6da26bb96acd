// Package notification delivers triggered alerts to users over SMS, email,
// push, Telegram, WhatsApp and Slack.
package notification

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"pulsewatch/internal/model"
)

// Error codes carried in Result.ErrorCode.
const (
	CodeNotConfigured       = "not_configured"
	CodeInsufficientBalance = "insufficient_balance"
	CodeProviderError       = "provider_error"
	CodeInvalidRecipient    = "invalid_recipient"
	CodeSubscriptionGone    = "subscription_gone"
)

// Result is the outcome of one delivery attempt.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Mock       bool   `json:"mock,omitempty"`
}

// Delivery converts r into the persisted delivery result.
func (r Result) Delivery() model.DeliveryResult {
	return model.DeliveryResult{Success: r.Success, Error: r.Error, ErrorCode: r.ErrorCode}
}

// Channel is one delivery medium. Implementations never panic out of Send
// or SendTest; every provider failure comes back as a Result.
type Channel interface {
	Name() model.ChannelName

	// IsConfigured reports whether user is reachable on this medium.
	IsConfigured(user *model.User) bool

	// Send delivers a triggered alert's message.
	Send(ctx context.Context, user *model.User, msg string, alert *model.PersonalAlert, extra map[string]any) Result

	// SendTest is a user-initiated connectivity check.
	SendTest(ctx context.Context, user *model.User, msg string) Result
}

// Options are shared by every channel.
type Options struct {
	// MockMode makes Send log the payload and succeed without contacting
	// the provider. SendTest still reaches the provider, except for SMS.
	MockMode bool

	Client *http.Client // nil gets a 15s timeout client
	Log    *slog.Logger

	// BaseURL is the public app URL used for "view alert" links.
	BaseURL string
}

const defaultSendTimeout = 15 * time.Second

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: defaultSendTimeout}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

func ok(providerID string) Result { return Result{Success: true, ProviderID: providerID} }

func fail(code, msg string) Result { return Result{Error: msg, ErrorCode: code} }

func providerFailure(err error) Result {
	return Result{Error: err.Error(), ErrorCode: CodeProviderError}
}

func mocked(log *slog.Logger, channel model.ChannelName, to, payload string) Result {
	log.Info("mock delivery", "channel", channel, "to", to, "payload", payload)
	return Result{Success: true, Mock: true}
}

// alertLink returns the app URL of an alert, or "" without a base URL.
func alertLink(base string, alert *model.PersonalAlert) string {
	if base == "" || alert == nil {
		return ""
	}
	return trimSlash(base) + "/alerts/" + itoa(alert.ID)
}
