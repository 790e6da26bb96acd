package notification

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"pulsewatch/internal/model"
)

func testOptions() Options {
	return Options{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type fakeBilling struct {
	mu       sync.Mutex
	charged  int
	refunded int
	err      error
}

func (b *fakeBilling) Charge(_ context.Context, _ string, segments int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.charged += segments
	return nil
}

func (b *fakeBilling) Refund(_ context.Context, _ string, segments int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refunded += segments
	return nil
}

func smsUser() *model.User {
	return &model.User{ID: "u1", Phone: "050 123 45 67", PhoneVerified: true}
}

func TestSMS_SendSuccess(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("to"); got != "+994501234567" {
			t.Errorf("expected to=+994501234567, got %q", got)
		}
		if got := r.PostForm.Get("from"); got != "Pulse" {
			t.Errorf("expected from=Pulse, got %q", got)
		}
		if got := r.PostForm.Get("text"); got != "BTC above 50000" {
			t.Errorf("expected stripped text, got %q", got)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "user" || p != "pass" {
			t.Errorf("expected basic auth user/pass, got %q/%q", u, p)
		}
		w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer srv.Close()

	billing := &fakeBilling{}
	s := NewSMS(SMSConfig{GatewayURL: srv.URL, Username: "user", Password: "pass", From: "Pulse"}, billing, testOptions())
	r := s.Send(context.Background(), smsUser(), "**BTC** above\n50000", nil, nil)

	if !r.Success || r.ProviderID != "m-1" {
		t.Fatalf("expected success with id m-1, got %+v", r)
	}
	if hits != 1 || billing.charged != 1 || billing.refunded != 0 {
		t.Errorf("expected 1 hit, 1 charged, 0 refunded; got %d, %d, %d", hits, billing.charged, billing.refunded)
	}
}

func TestSMS_GatewayFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"server error", http.StatusInternalServerError, CodeProviderError},
		{"bad number", http.StatusBadRequest, CodeInvalidRecipient},
		{"unprocessable", http.StatusUnprocessableEntity, CodeInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			billing := &fakeBilling{}
			s := NewSMS(SMSConfig{GatewayURL: srv.URL}, billing, testOptions())
			r := s.Send(context.Background(), smsUser(), "hello", nil, nil)
			if r.Success || r.ErrorCode != tt.wantCode {
				t.Fatalf("expected %s, got %+v", tt.wantCode, r)
			}
			if billing.refunded != billing.charged {
				t.Errorf("expected full refund, charged %d refunded %d", billing.charged, billing.refunded)
			}
		})
	}
}

func TestSMS_InsufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called without balance")
	}))
	defer srv.Close()

	s := NewSMS(SMSConfig{GatewayURL: srv.URL}, &fakeBilling{err: ErrInsufficientBalance}, testOptions())
	r := s.Send(context.Background(), smsUser(), "hello", nil, nil)
	if r.Success || r.ErrorCode != CodeInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %+v", r)
	}
}

func TestSMS_NotConfigured(t *testing.T) {
	s := NewSMS(SMSConfig{GatewayURL: "http://unused"}, nil, testOptions())
	for _, u := range []*model.User{nil, {ID: "u1", Phone: "0501234567"}, {ID: "u2", PhoneVerified: true}} {
		if s.IsConfigured(u) {
			t.Errorf("expected %+v to be unconfigured", u)
		}
		if r := s.Send(context.Background(), u, "x", nil, nil); r.ErrorCode != CodeNotConfigured {
			t.Errorf("expected not_configured, got %+v", r)
		}
	}
}

func TestSMS_MockModeSkipsGatewayAndBilling(t *testing.T) {
	billing := &fakeBilling{}
	opts := testOptions()
	opts.MockMode = true
	s := NewSMS(SMSConfig{GatewayURL: "http://127.0.0.1:1"}, billing, opts)

	for _, r := range []Result{
		s.Send(context.Background(), smsUser(), "hello", nil, nil),
		s.SendTest(context.Background(), smsUser(), "hello"),
	} {
		if !r.Success || !r.Mock {
			t.Errorf("expected mocked success, got %+v", r)
		}
	}
	if billing.charged != 0 {
		t.Errorf("expected no charge in mock mode, got %d", billing.charged)
	}
}

func TestSMS_SendCodeWithoutVerification(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		text = r.PostForm.Get("text")
	}))
	defer srv.Close()

	s := NewSMS(SMSConfig{GatewayURL: srv.URL}, nil, testOptions())
	r := s.SendCode(context.Background(), &model.User{ID: "u1", Phone: "0501234567"}, "Your code: 123456")
	if !r.Success {
		t.Fatalf("expected success, got %+v", r)
	}
	if text != "Your code: 123456" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestSMSText_Truncates(t *testing.T) {
	got := smsText(strings.Repeat("word ", 200))
	if n := utf8.RuneCountInString(got); n != smsMaxLength {
		t.Errorf("expected %d runes, got %d", smsMaxLength, n)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis, got %q", got[len(got)-10:])
	}
}

func TestSMSSegments(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{strings.Repeat("a", 160), 1},
		{strings.Repeat("a", 161), 2},
		{strings.Repeat("a", 306), 2},
		{strings.Repeat("a", 307), 3},
		{strings.Repeat("ə", 70), 1},
		{strings.Repeat("ə", 71), 2},
	}
	for _, tt := range tests {
		if got := smsSegments(tt.text); got != tt.want {
			t.Errorf("smsSegments(%d runes): expected %d, got %d", utf8.RuneCountInString(tt.text), tt.want, got)
		}
	}
}

type balanceStore struct {
	balance float64
	deltas  []float64
}

func (s *balanceStore) AdjustSMSBalance(_ context.Context, _ string, delta float64) (bool, error) {
	if s.balance+delta < 0 {
		return false, nil
	}
	s.balance += delta
	s.deltas = append(s.deltas, delta)
	return true, nil
}

func TestBalanceBilling(t *testing.T) {
	store := &balanceStore{balance: 0.15}
	b := BalanceBilling{Store: store, CostPerSegment: 0.1}

	if err := b.Charge(context.Background(), "u1", 1); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if err := b.Charge(context.Background(), "u1", 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := b.Refund(context.Background(), "u1", 1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if len(store.deltas) != 2 {
		t.Errorf("expected 2 balance changes, got %v", store.deltas)
	}

	free := BalanceBilling{Store: store}
	if err := free.Charge(context.Background(), "u1", 10); err != nil {
		t.Errorf("expected free sending, got %v", err)
	}
}
