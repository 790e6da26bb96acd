package verification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"pulsewatch/internal/model"
	"pulsewatch/internal/notification"
)

type memUsers struct {
	users map[string]*model.User
}

func (m *memUsers) Get(_ context.Context, id string) (*model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) SetPhoneVerified(_ context.Context, id string, verified bool) error {
	u, ok := m.users[id]
	if !ok {
		return model.ErrNotFound
	}
	u.PhoneVerified = verified
	return nil
}

type captureSender struct {
	texts []string
	fail  bool
}

func (c *captureSender) SendCode(_ context.Context, _ *model.User, text string) notification.Result {
	if c.fail {
		return notification.Result{Error: "gateway down", ErrorCode: notification.CodeProviderError}
	}
	c.texts = append(c.texts, text)
	return notification.Result{Success: true}
}

var codeRe = regexp.MustCompile(`\d{6}`)

func setup(t *testing.T) (*Service, *memUsers, *captureSender, *time.Time) {
	t.Helper()
	users := &memUsers{users: map[string]*model.User{
		"u1": {ID: "u1", Phone: "0501234567"},
		"u2": {ID: "u2"},
	}}
	sender := &captureSender{}
	s, err := New(Config{SecretKey: "test-key"}, users, sender, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, users, sender, &now
}

func TestSendAndVerify(t *testing.T) {
	s, users, sender, now := setup(t)
	ctx := context.Background()

	if err := s.SendCode(ctx, "u1"); err != nil {
		t.Fatalf("send code: %v", err)
	}
	if len(sender.texts) != 1 {
		t.Fatalf("expected 1 sms, got %d", len(sender.texts))
	}
	code := codeRe.FindString(sender.texts[0])
	if code == "" {
		t.Fatalf("no code in %q", sender.texts[0])
	}

	*now = now.Add(2 * time.Minute)
	if err := s.Verify(ctx, "u1", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !users.users["u1"].PhoneVerified {
		t.Error("expected phone to be marked verified")
	}
	if err := s.SendCode(ctx, "u1"); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestSendCode_Errors(t *testing.T) {
	s, _, sender, now := setup(t)
	ctx := context.Background()

	if err := s.SendCode(ctx, "u2"); !errors.Is(err, ErrNoPhone) {
		t.Errorf("expected ErrNoPhone, got %v", err)
	}
	if err := s.SendCode(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SendCode(ctx, "u1"); err != nil {
		t.Fatalf("send code: %v", err)
	}
	if err := s.SendCode(ctx, "u1"); !errors.Is(err, ErrTooSoon) {
		t.Errorf("expected ErrTooSoon, got %v", err)
	}
	*now = now.Add(61 * time.Second)
	if err := s.SendCode(ctx, "u1"); err != nil {
		t.Errorf("expected resend after cooldown, got %v", err)
	}

	sender.fail = true
	*now = now.Add(61 * time.Second)
	if err := s.SendCode(ctx, "u1"); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("expected ErrDeliveryFailed, got %v", err)
	}
	sender.fail = false
	if err := s.SendCode(ctx, "u1"); err != nil {
		t.Errorf("expected failed delivery not to start the cooldown, got %v", err)
	}
}

func TestVerify_Rejections(t *testing.T) {
	s, users, sender, _ := setup(t)
	ctx := context.Background()

	if err := s.SendCode(ctx, "u1"); err != nil {
		t.Fatalf("send code: %v", err)
	}
	code := codeRe.FindString(sender.texts[0])

	users.users["u1"].Phone = "+14155550100"
	if err := s.Verify(ctx, "u1", code); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("expected code bound to the old number to fail, got %v", err)
	}
	users.users["u1"].Phone = "0501234567"

	for i := 0; i < 4; i++ {
		if err := s.Verify(ctx, "u1", "abc"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}
	if err := s.Verify(ctx, "u1", code); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("expected ErrTooManyAttempts, got %v", err)
	}
	if users.users["u1"].PhoneVerified {
		t.Error("phone must stay unverified")
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(Config{}, &memUsers{}, &captureSender{}, nil); err == nil {
		t.Error("expected error without secret key")
	}
}
