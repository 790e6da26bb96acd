package notification

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"pulsewatch/internal/model"
)

const pushBodyMax = 200

// PushConfig configures Web Push (VAPID) and APNs.
type PushConfig struct {
	VAPIDPublicKey  string // base64url, 65-byte uncompressed P-256 point
	VAPIDPrivateKey string // base64url, 32 bytes
	VAPIDSubject    string // mailto: or https: contact

	Icon  string                     // default notification icon
	Icons map[model.AlertType]string // per alert type override

	APNsKeyFile string // .p8 auth key
	APNsKeyID   string
	APNsTeamID  string
	APNsTopic   string // app bundle id
	APNsSandbox bool
}

// apnsSender is satisfied by *apns2.Client.
type apnsSender interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Push fans a message out to every stored subscription of a user.
type Push struct {
	cfg     PushConfig
	opts    Options
	webOK   bool
	apns    apnsSender
	ttl     int
	webpush func(ctx context.Context, msg []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error)
}

// NewPush creates the push channel. Web Push is enabled only with valid VAPID
// keys and APNs only with a readable auth key; a bad configuration is an error.
func NewPush(cfg PushConfig, opts Options) (*Push, error) {
	p := &Push{
		cfg:     cfg,
		opts:    opts.withDefaults(),
		ttl:     int((24 * time.Hour).Seconds()),
		webpush: webpush.SendNotificationWithContext,
	}
	if cfg.VAPIDPublicKey != "" || cfg.VAPIDPrivateKey != "" {
		if err := validateVAPID(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey); err != nil {
			return nil, err
		}
		p.webOK = true
	}
	if cfg.APNsKeyFile != "" {
		key, err := token.AuthKeyFromFile(cfg.APNsKeyFile)
		if err != nil {
			return nil, fmt.Errorf("apns auth key: %w", err)
		}
		client := apns2.NewTokenClient(&token.Token{AuthKey: key, KeyID: cfg.APNsKeyID, TeamID: cfg.APNsTeamID})
		if cfg.APNsSandbox {
			client = client.Development()
		} else {
			client = client.Production()
		}
		p.apns = client
	}
	return p, nil
}

func validateVAPID(public, private string) error {
	pub, err := decodeKey(public)
	if err != nil || len(pub) != 65 {
		return errors.New("vapid: public key must be a base64url 65-byte P-256 point")
	}
	priv, err := decodeKey(private)
	if err != nil || len(priv) != 32 {
		return errors.New("vapid: private key must be base64url 32 bytes")
	}
	return nil
}

func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func (p *Push) Name() model.ChannelName { return model.ChannelPush }

func (p *Push) IsConfigured(user *model.User) bool {
	return len(p.usable(user)) > 0
}

// usable returns the subscriptions this instance can deliver to.
func (p *Push) usable(user *model.User) []model.PushSubscription {
	if user == nil {
		return nil
	}
	var out []model.PushSubscription
	for _, s := range user.PushSubscriptions {
		switch {
		case s.Kind == model.PushWeb && p.webOK && s.Endpoint != "" && s.P256dh != "" && s.Auth != "":
			out = append(out, s)
		case s.Kind == model.PushAPNs && p.apns != nil && s.DeviceToken != "":
			out = append(out, s)
		}
	}
	return out
}

func (p *Push) Send(ctx context.Context, user *model.User, msg string, alert *model.PersonalAlert, _ map[string]any) Result {
	subs := p.usable(user)
	if len(subs) == 0 {
		return fail(CodeNotConfigured, "No push subscriptions")
	}
	n := p.notification(msg, alert)
	if p.opts.MockMode {
		return mocked(p.opts.Log, model.ChannelPush, fmt.Sprintf("%d subscriptions", len(subs)), n.Title)
	}
	return p.fanOut(ctx, subs, n)
}

func (p *Push) SendTest(ctx context.Context, user *model.User, msg string) Result {
	subs := p.usable(user)
	if len(subs) == 0 {
		return fail(CodeNotConfigured, "No push subscriptions")
	}
	return p.fanOut(ctx, subs, p.notification(msg, nil))
}

type pushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type pushNotification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Icon    string         `json:"icon,omitempty"`
	Actions []pushAction   `json:"actions"`
	Data    map[string]any `json:"data"`
}

func (p *Push) notification(msg string, alert *model.PersonalAlert) pushNotification {
	title, body := splitTitle(msg)
	if title == "" {
		title = "Pulsewatch alert"
	}
	n := pushNotification{
		Title: title,
		Body:  truncate(collapseWhitespace(stripBold(body)), pushBodyMax),
		Icon:  p.icon(alert),
		Actions: []pushAction{
			{Action: "view", Title: "View"},
			{Action: "dismiss", Title: "Dismiss"},
		},
		Data: map[string]any{},
	}
	if alert != nil {
		n.Data["alert_id"] = alert.ID
		n.Data["type"] = alert.Type
		if link := alertLink(p.opts.BaseURL, alert); link != "" {
			n.Data["url"] = link
		}
	}
	return n
}

func (p *Push) icon(alert *model.PersonalAlert) string {
	if alert != nil {
		if icon, ok := p.cfg.Icons[alert.Type]; ok {
			return icon
		}
	}
	return p.cfg.Icon
}

// errGone marks a subscription the push service will never accept again.
var errGone = errors.New("subscription gone")

// fanOut succeeds when any subscription accepts the notification.
func (p *Push) fanOut(ctx context.Context, subs []model.PushSubscription, n pushNotification) Result {
	var (
		delivered int
		gone      int
		lastErr   error
	)
	for _, s := range subs {
		var err error
		if s.Kind == model.PushAPNs {
			err = p.sendAPNs(ctx, s, n)
		} else {
			err = p.sendWeb(ctx, s, n)
		}
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, errGone):
			gone++
			lastErr = err
		default:
			lastErr = err
		}
	}
	if delivered > 0 {
		return ok("")
	}
	if gone == len(subs) {
		return fail(CodeSubscriptionGone, "All push subscriptions expired")
	}
	p.opts.Log.Warn("push delivery failed", "subscriptions", len(subs), "error", lastErr)
	return providerFailure(lastErr)
}

func (p *Push) sendWeb(ctx context.Context, s model.PushSubscription, n pushNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webpush: marshal: %w", err)
	}
	resp, err := p.webpush(ctx, body, &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys:     webpush.Keys{P256dh: s.P256dh, Auth: s.Auth},
	}, &webpush.Options{
		HTTPClient:      p.opts.Client,
		Subscriber:      p.cfg.VAPIDSubject,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             p.ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("webpush: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("webpush: status %d: %w", resp.StatusCode, errGone)
	case resp.StatusCode >= 300:
		return fmt.Errorf("webpush: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Push) sendAPNs(ctx context.Context, s model.PushSubscription, n pushNotification) error {
	pl := payload.NewPayload().AlertTitle(n.Title).AlertBody(n.Body).Sound("default").Category("ALERT")
	for k, v := range n.Data {
		pl.Custom(k, v)
	}
	resp, err := p.apns.PushWithContext(ctx, &apns2.Notification{
		DeviceToken: s.DeviceToken,
		Topic:       p.cfg.APNsTopic,
		Expiration:  time.Now().Add(24 * time.Hour),
		Priority:    apns2.PriorityHigh,
		Payload:     pl,
	})
	if err != nil {
		return fmt.Errorf("apns: %w", err)
	}
	if resp.Sent() {
		return nil
	}
	if resp.StatusCode == http.StatusGone || resp.Reason == apns2.ReasonUnregistered || resp.Reason == apns2.ReasonBadDeviceToken {
		return fmt.Errorf("apns: %s: %w", resp.Reason, errGone)
	}
	return fmt.Errorf("apns: status %d: %s", resp.StatusCode, resp.Reason)
}
