package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pulsewatch/internal/model"
)

const whatsappMaxLength = 4000

// ErrInvalidRecipient is returned by providers that reject the destination number.
var ErrInvalidRecipient = errors.New("invalid recipient")

// WhatsAppProvider is a backing WhatsApp API. to is in +<digits> form.
type WhatsAppProvider interface {
	Name() string
	Send(ctx context.Context, to, body string) (messageID string, err error)
}

// WhatsApp delivers through a pluggable provider.
type WhatsApp struct {
	provider WhatsAppProvider
	opts     Options
}

// NewWhatsApp creates the WhatsApp channel. A nil provider leaves it unconfigured.
func NewWhatsApp(provider WhatsAppProvider, opts Options) *WhatsApp {
	return &WhatsApp{provider: provider, opts: opts.withDefaults()}
}

func (w *WhatsApp) Name() model.ChannelName { return model.ChannelWhatsApp }

func (w *WhatsApp) IsConfigured(user *model.User) bool {
	return w.provider != nil && whatsappNumber(user) != ""
}

func (w *WhatsApp) Send(ctx context.Context, user *model.User, msg string, _ *model.PersonalAlert, _ map[string]any) Result {
	if !w.IsConfigured(user) {
		return fail(CodeNotConfigured, "WhatsApp number missing or provider not configured")
	}
	to, text := whatsappNumber(user), whatsappText(msg)
	if w.opts.MockMode {
		return mocked(w.opts.Log, model.ChannelWhatsApp, to, text)
	}
	return w.deliver(ctx, to, text)
}

func (w *WhatsApp) SendTest(ctx context.Context, user *model.User, msg string) Result {
	if !w.IsConfigured(user) {
		return fail(CodeNotConfigured, "WhatsApp number missing or provider not configured")
	}
	return w.deliver(ctx, whatsappNumber(user), whatsappText(msg))
}

func (w *WhatsApp) deliver(ctx context.Context, to, text string) Result {
	id, err := w.provider.Send(ctx, to, text)
	if err != nil {
		w.opts.Log.Warn("whatsapp send failed", "provider", w.provider.Name(), "to", to, "error", err)
		if errors.Is(err, ErrInvalidRecipient) {
			return fail(CodeInvalidRecipient, err.Error())
		}
		return providerFailure(err)
	}
	return ok(id)
}

// whatsappNumber prefers the dedicated WhatsApp number over the phone.
func whatsappNumber(user *model.User) string {
	if user == nil {
		return ""
	}
	if n := NormalizePhone(user.WhatsAppNumber); n != "" {
		return n
	}
	return NormalizePhone(user.Phone)
}

func whatsappText(msg string) string {
	return truncate(collapseBlankLines(boldAs(msg, "*")), whatsappMaxLength)
}

// TwilioConfig configures the Twilio WhatsApp sender.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string // sender number, e.g. +14155238886
	APIURL     string // default https://api.twilio.com
}

// Twilio sends WhatsApp messages through the Twilio Messages API.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

// NewTwilio creates a Twilio provider.
func NewTwilio(cfg TwilioConfig, client *http.Client) *Twilio {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.twilio.com"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &Twilio{cfg: cfg, client: client}
}

func (t *Twilio) Name() string { return "twilio" }

type twilioReply struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Twilio error codes for unusable destination numbers.
var twilioRecipientCodes = map[int]bool{21211: true, 21614: true, 63003: true}

func (t *Twilio) Send(ctx context.Context, to, body string) (string, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.cfg.APIURL, url.PathEscape(t.cfg.AccountSID))
	form := url.Values{
		"To":   {"whatsapp:" + to},
		"From": {"whatsapp:" + NormalizePhone(t.cfg.From)},
		"Body": {body},
	}
	resp, err := postForm(ctx, t.client, endpoint, form, t.cfg.AccountSID, t.cfg.AuthToken)
	if err != nil {
		return "", fmt.Errorf("twilio: %w", err)
	}
	var reply twilioReply
	_ = json.Unmarshal(resp.Body, &reply)
	if !resp.ok() {
		if twilioRecipientCodes[reply.Code] {
			return "", fmt.Errorf("twilio: %s: %w", reply.Message, ErrInvalidRecipient)
		}
		return "", fmt.Errorf("twilio: %w", statusError(resp))
	}
	return reply.SID, nil
}

// MetaConfig configures the WhatsApp Business Cloud API.
type MetaConfig struct {
	PhoneNumberID string
	AccessToken   string
	APIURL        string // default https://graph.facebook.com/v18.0
}

// Meta sends WhatsApp messages through the Cloud API.
type Meta struct {
	cfg    MetaConfig
	client *http.Client
}

// NewMeta creates a Cloud API provider.
func NewMeta(cfg MetaConfig, client *http.Client) *Meta {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://graph.facebook.com/v18.0"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	return &Meta{cfg: cfg, client: client}
}

func (m *Meta) Name() string { return "meta" }

type metaReply struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Cloud API codes for numbers that cannot receive messages.
var metaRecipientCodes = map[int]bool{131026: true, 131030: true}

func (m *Meta) Send(ctx context.Context, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                strings.TrimPrefix(to, "+"),
		"type":              "text",
		"text":              map[string]any{"body": body, "preview_url": false},
	}
	header := http.Header{"Authorization": {"Bearer " + m.cfg.AccessToken}}
	resp, err := postJSON(ctx, m.client, fmt.Sprintf("%s/%s/messages", m.cfg.APIURL, m.cfg.PhoneNumberID), header, payload)
	if err != nil {
		return "", fmt.Errorf("meta: %w", err)
	}
	var reply metaReply
	_ = json.Unmarshal(resp.Body, &reply)
	if !resp.ok() || reply.Error != nil {
		if reply.Error != nil {
			if metaRecipientCodes[reply.Error.Code] {
				return "", fmt.Errorf("meta: %s: %w", reply.Error.Message, ErrInvalidRecipient)
			}
			return "", fmt.Errorf("meta: %s (code %d)", reply.Error.Message, reply.Error.Code)
		}
		return "", fmt.Errorf("meta: %w", statusError(resp))
	}
	if len(reply.Messages) == 0 {
		return "", nil
	}
	return reply.Messages[0].ID, nil
}
