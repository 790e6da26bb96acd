package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the monitors and the API from the concrete
// SQL store. internal/store/sqldb satisfies all three.

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyAttached is returned when a history row already carries its
// delivery outcome.
var ErrAlreadyAttached = errors.New("delivery already attached")

// AlertStore reads and mutates personal alerts.
type AlertStore interface {
	// Create inserts a validated alert and sets its ID.
	Create(ctx context.Context, a *PersonalAlert) error

	// Get loads one alert by id.
	Get(ctx context.Context, id int64) (*PersonalAlert, error)

	// DueAlerts returns active alerts of a type whose throttle window has elapsed at now.
	DueAlerts(ctx context.Context, t AlertType, now time.Time) ([]*PersonalAlert, error)

	// ActiveByUser returns all active alerts of a user.
	ActiveByUser(ctx context.Context, userID string) ([]*PersonalAlert, error)

	// MarkChecked stamps last_checked_at.
	MarkChecked(ctx context.Context, id int64, at time.Time) error

	// RecordTrigger bumps trigger_count from expected to expected+1 and sets
	// last_triggered_at, deactivating the alert when deactivate is true.
	// It returns false without writing when trigger_count no longer equals expected.
	RecordTrigger(ctx context.Context, id int64, expected int, at time.Time, deactivate bool) (bool, error)

	// Deactivate sets is_active=false.
	Deactivate(ctx context.Context, id int64) error
}

// HistoryStore is the append-then-update-once trigger ledger.
type HistoryStore interface {
	// Create inserts a new history row.
	Create(ctx context.Context, h *AlertHistory) error

	// AttachDelivery records the rendered message and per-channel outcome.
	// It succeeds once per row; later calls return ErrAlreadyAttached.
	AttachDelivery(ctx context.Context, id, message string, status DeliveryStatus) error

	// ListByAlert returns history rows of an alert, newest first.
	ListByAlert(ctx context.Context, alertID int64, limit int) ([]AlertHistory, error)
}

// UserStore reads users and records phone verification.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
	SetPhoneVerified(ctx context.Context, id string, verified bool) error
}
