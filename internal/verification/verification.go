// Package verification issues and checks the SMS codes that prove a user
// owns their phone number. Codes are time-based (TOTP) over a secret derived
// from the server key, the user id and the normalized phone, so changing the
// number invalidates every outstanding code.
package verification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"pulsewatch/internal/model"
	"pulsewatch/internal/notification"
)

var (
	ErrNoPhone          = errors.New("verification: user has no phone number")
	ErrTooSoon          = errors.New("verification: code requested too recently")
	ErrInvalidCode      = errors.New("verification: invalid or expired code")
	ErrTooManyAttempts  = errors.New("verification: too many attempts")
	ErrDeliveryFailed   = errors.New("verification: code delivery failed")
	ErrAlreadyVerified  = errors.New("verification: phone already verified")
	errMissingSecretKey = errors.New("verification: secret key is required")
)

// Sender delivers the code text. *notification.SMS satisfies it.
type Sender interface {
	SendCode(ctx context.Context, user *model.User, text string) notification.Result
}

// Config tunes code lifetime and abuse limits.
type Config struct {
	SecretKey   string        // server-side key for per-user secrets
	Issuer      string        // shown in the SMS text, default Pulsewatch
	Period      time.Duration // code step, default 5m
	Cooldown    time.Duration // minimum gap between sends, default 60s
	MaxAttempts int           // failed checks allowed per user before a resend, default 5
}

// Service sends and verifies phone codes.
type Service struct {
	cfg    Config
	users  model.UserStore
	sender Sender
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	failures map[string]int
}

// New creates a verification service.
func New(cfg Config, users model.UserStore, sender Sender, log *slog.Logger) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, errMissingSecretKey
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "Pulsewatch"
	}
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		users:    users,
		sender:   sender,
		log:      log,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		failures: make(map[string]int),
	}, nil
}

func (s *Service) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.cfg.Period / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// secret derives the base32 TOTP secret for a user and phone.
func (s *Service) secret(userID, phone string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SecretKey))
	mac.Write([]byte(userID + "|" + phone))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(mac.Sum(nil)[:20])
}

// SendCode texts a fresh code to the user's phone.
func (s *Service) SendCode(ctx context.Context, userID string) error {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("verification: load user: %w", err)
	}
	phone := notification.NormalizePhone(user.Phone)
	if phone == "" {
		return ErrNoPhone
	}
	if user.PhoneVerified {
		return ErrAlreadyVerified
	}

	now := s.now()
	s.mu.Lock()
	if last, ok := s.lastSent[userID]; ok && now.Sub(last) < s.cfg.Cooldown {
		s.mu.Unlock()
		return ErrTooSoon
	}
	s.lastSent[userID] = now
	delete(s.failures, userID)
	s.mu.Unlock()

	code, err := totp.GenerateCodeCustom(s.secret(userID, phone), now, s.opts())
	if err != nil {
		return fmt.Errorf("verification: generate code: %w", err)
	}
	text := fmt.Sprintf("%s verification code: %s. Valid for %d minutes.", s.cfg.Issuer, code, int(s.cfg.Period/time.Minute))
	if r := s.sender.SendCode(ctx, user, text); !r.Success {
		s.mu.Lock()
		delete(s.lastSent, userID)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, r.Error)
	}
	s.log.Info("verification code sent", "user_id", userID)
	return nil
}

// Verify checks code and marks the phone verified on success.
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	s.mu.Lock()
	if s.failures[userID] >= s.cfg.MaxAttempts {
		s.mu.Unlock()
		return ErrTooManyAttempts
	}
	s.mu.Unlock()

	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("verification: load user: %w", err)
	}
	phone := notification.NormalizePhone(user.Phone)
	if phone == "" {
		return ErrNoPhone
	}

	valid, err := totp.ValidateCustom(code, s.secret(userID, phone), s.now(), s.opts())
	if err != nil || !valid {
		s.mu.Lock()
		s.failures[userID]++
		s.mu.Unlock()
		return ErrInvalidCode
	}

	if err := s.users.SetPhoneVerified(ctx, userID, true); err != nil {
		return fmt.Errorf("verification: mark verified: %w", err)
	}
	s.mu.Lock()
	delete(s.failures, userID)
	delete(s.lastSent, userID)
	s.mu.Unlock()
	s.log.Info("phone verified", "user_id", userID)
	return nil
}
