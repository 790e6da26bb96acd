package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"pulsewatch/internal/model"
)

const smsMaxLength = 450

// ErrInsufficientBalance is returned by Billing when the user cannot pay.
var ErrInsufficientBalance = errors.New("insufficient sms balance")

// Billing charges users for outgoing SMS segments.
type Billing interface {
	Charge(ctx context.Context, userID string, segments int) error
	Refund(ctx context.Context, userID string, segments int) error
}

// BalanceStore adjusts a user's prepaid SMS balance. It returns false when
// the balance would go negative.
type BalanceStore interface {
	AdjustSMSBalance(ctx context.Context, userID string, delta float64) (bool, error)
}

// BalanceBilling charges a fixed cost per segment against a prepaid balance.
type BalanceBilling struct {
	Store          BalanceStore
	CostPerSegment float64
}

func (b BalanceBilling) Charge(ctx context.Context, userID string, segments int) error {
	if b.CostPerSegment <= 0 {
		return nil
	}
	ok, err := b.Store.AdjustSMSBalance(ctx, userID, -b.CostPerSegment*float64(segments))
	if err != nil {
		return fmt.Errorf("charge: %w", err)
	}
	if !ok {
		return ErrInsufficientBalance
	}
	return nil
}

func (b BalanceBilling) Refund(ctx context.Context, userID string, segments int) error {
	if b.CostPerSegment <= 0 {
		return nil
	}
	_, err := b.Store.AdjustSMSBalance(ctx, userID, b.CostPerSegment*float64(segments))
	return err
}

// SMSConfig configures the HTTP SMS gateway.
type SMSConfig struct {
	GatewayURL string
	Username   string
	Password   string
	From       string
}

// SMS delivers plain-text messages through an HTTP gateway.
type SMS struct {
	cfg     SMSConfig
	opts    Options
	billing Billing
}

// NewSMS creates the SMS channel. billing may be nil for free sending.
func NewSMS(cfg SMSConfig, billing Billing, opts Options) *SMS {
	return &SMS{cfg: cfg, opts: opts.withDefaults(), billing: billing}
}

func (s *SMS) Name() model.ChannelName { return model.ChannelSMS }

// IsConfigured requires a phone number that has been verified.
func (s *SMS) IsConfigured(user *model.User) bool {
	return user != nil && user.PhoneVerified && NormalizePhone(user.Phone) != ""
}

func (s *SMS) Send(ctx context.Context, user *model.User, msg string, _ *model.PersonalAlert, _ map[string]any) Result {
	if !s.IsConfigured(user) {
		return fail(CodeNotConfigured, "Phone not configured or not verified")
	}
	to, text := NormalizePhone(user.Phone), smsText(msg)
	if s.opts.MockMode {
		return mocked(s.opts.Log, model.ChannelSMS, to, text)
	}
	return s.deliver(ctx, user.ID, to, text)
}

// SendTest honours mock mode because every real send is billed.
func (s *SMS) SendTest(ctx context.Context, user *model.User, msg string) Result {
	return s.Send(ctx, user, msg, nil, nil)
}

// SendCode delivers a verification code. Unlike Send it does not require
// the phone to be verified yet.
func (s *SMS) SendCode(ctx context.Context, user *model.User, text string) Result {
	to := ""
	if user != nil {
		to = NormalizePhone(user.Phone)
	}
	if to == "" {
		return fail(CodeNotConfigured, "Phone not configured")
	}
	if s.opts.MockMode {
		return mocked(s.opts.Log, model.ChannelSMS, to, text)
	}
	return s.deliver(ctx, user.ID, to, smsText(text))
}

type smsGatewayReply struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

func (s *SMS) deliver(ctx context.Context, userID, to, text string) Result {
	if s.cfg.GatewayURL == "" {
		return fail(CodeNotConfigured, "SMS gateway not configured")
	}
	segments := smsSegments(text)
	if s.billing != nil {
		if err := s.billing.Charge(ctx, userID, segments); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				return fail(CodeInsufficientBalance, "Insufficient SMS balance")
			}
			return providerFailure(err)
		}
	}

	form := url.Values{"to": {to}, "from": {s.cfg.From}, "text": {text}}
	resp, err := postForm(ctx, s.opts.Client, s.cfg.GatewayURL, form, s.cfg.Username, s.cfg.Password)
	if err == nil && !resp.ok() {
		err = statusError(resp)
	}
	if err != nil {
		s.refund(ctx, userID, segments)
		s.opts.Log.Warn("sms send failed", "to", to, "error", err)
		if resp.Status == 400 || resp.Status == 422 {
			return fail(CodeInvalidRecipient, err.Error())
		}
		return providerFailure(fmt.Errorf("sms: %w", err))
	}

	var reply smsGatewayReply
	_ = json.Unmarshal(resp.Body, &reply)
	id := reply.MessageID
	if id == "" {
		id = reply.ID
	}
	return ok(id)
}

func (s *SMS) refund(ctx context.Context, userID string, segments int) {
	if s.billing == nil {
		return
	}
	if err := s.billing.Refund(ctx, userID, segments); err != nil {
		s.opts.Log.Error("sms refund failed", "user_id", userID, "segments", segments, "error", err)
	}
}

// smsText strips markup, collapses whitespace and truncates to the
// multi-segment budget.
func smsText(msg string) string {
	return truncate(collapseWhitespace(stripBold(msg)), smsMaxLength)
}

// smsSegments counts concatenated SMS parts: 160/153 characters for GSM
// text, 70/67 when any non-ASCII character forces UCS-2.
func smsSegments(text string) int {
	single, multi := 160, 153
	n := 0
	for _, r := range text {
		n++
		if r > 127 {
			single, multi = 70, 67
		}
	}
	if n <= single {
		return 1
	}
	return (n + multi - 1) / multi
}
