package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pulsewatch/internal/model"
)

// AlertRepo implements model.AlertStore.
type AlertRepo struct {
	d *DB
}

type alertRow struct {
	ID              int64         `db:"id"`
	UserID          string        `db:"user_id"`
	AlertType       string        `db:"alert_type"`
	Name            string        `db:"name"`
	Asset           string        `db:"asset"`
	Conditions      string        `db:"conditions"`
	Channels        string        `db:"notification_channels"`
	IsActive        bool          `db:"is_active"`
	IsRecurring     bool          `db:"is_recurring"`
	CheckFrequency  int           `db:"check_frequency"`
	LastCheckedAt   sql.NullInt64 `db:"last_checked_at"`
	LastTriggeredAt sql.NullInt64 `db:"last_triggered_at"`
	TriggerCount    int           `db:"trigger_count"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

const alertColumns = `id, user_id, alert_type, name, asset, conditions, notification_channels,
	is_active, is_recurring, check_frequency, last_checked_at, last_triggered_at,
	trigger_count, created_at, updated_at`

func (r alertRow) toModel() (*model.PersonalAlert, error) {
	a := &model.PersonalAlert{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           model.AlertType(r.AlertType),
		Name:           r.Name,
		Asset:          r.Asset,
		IsActive:       r.IsActive,
		IsRecurring:    r.IsRecurring,
		CheckFrequency: r.CheckFrequency,
		TriggerCount:   r.TriggerCount,
		CreatedAt:      time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:      time.Unix(r.UpdatedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Conditions), &a.Condition); err != nil {
		return nil, fmt.Errorf("alert %d conditions: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Channels), &a.Channels); err != nil {
		return nil, fmt.Errorf("alert %d channels: %w", r.ID, err)
	}
	a.LastCheckedAt = fromUnix(r.LastCheckedAt)
	a.LastTriggeredAt = fromUnix(r.LastTriggeredAt)
	return a, nil
}

// Create inserts a new alert and sets a.ID.
func (r *AlertRepo) Create(ctx context.Context, a *model.PersonalAlert) error {
	cond, err := json.Marshal(a.Condition)
	if err != nil {
		return fmt.Errorf("alert create: encode conditions: %w", err)
	}
	chans, err := json.Marshal(a.Channels)
	if err != nil {
		return fmt.Errorf("alert create: encode channels: %w", err)
	}
	now := r.d.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	err = r.d.db.QueryRowxContext(ctx, r.d.q(`
		INSERT INTO personal_alerts (user_id, alert_type, name, asset, conditions, notification_channels,
			is_active, is_recurring, check_frequency, last_checked_at, last_triggered_at, trigger_count,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), a.UserID, string(a.Type), a.Name, a.Asset, string(cond), string(chans),
		a.IsActive, a.IsRecurring, a.CheckFrequency, toUnix(a.LastCheckedAt), toUnix(a.LastTriggeredAt),
		a.TriggerCount, now.Unix(), now.Unix()).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("alert create: %w", err)
	}
	return nil
}

// Get loads one alert.
func (r *AlertRepo) Get(ctx context.Context, id int64) (*model.PersonalAlert, error) {
	var row alertRow
	err := r.d.db.GetContext(ctx, &row, r.d.q(`SELECT `+alertColumns+` FROM personal_alerts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("alert get %d: %w", id, err)
	}
	return row.toModel()
}

// DueAlerts returns active alerts of type t whose throttle window has elapsed.
func (r *AlertRepo) DueAlerts(ctx context.Context, t model.AlertType, now time.Time) ([]*model.PersonalAlert, error) {
	return r.selectAlerts(ctx, `
		SELECT `+alertColumns+` FROM personal_alerts
		WHERE alert_type = ? AND is_active = ?
		  AND (last_checked_at IS NULL OR last_checked_at + check_frequency <= ?)
		ORDER BY id ASC
	`, string(t), true, now.Unix())
}

// ActiveByUser returns all active alerts of a user.
func (r *AlertRepo) ActiveByUser(ctx context.Context, userID string) ([]*model.PersonalAlert, error) {
	return r.selectAlerts(ctx, `
		SELECT `+alertColumns+` FROM personal_alerts
		WHERE user_id = ? AND is_active = ?
		ORDER BY id ASC
	`, userID, true)
}

func (r *AlertRepo) selectAlerts(ctx context.Context, query string, args ...any) ([]*model.PersonalAlert, error) {
	var rows []alertRow
	if err := r.d.db.SelectContext(ctx, &rows, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("alert select: %w", err)
	}
	out := make([]*model.PersonalAlert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// MarkChecked stamps last_checked_at.
func (r *AlertRepo) MarkChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := r.d.db.ExecContext(ctx, r.d.q(`
		UPDATE personal_alerts SET last_checked_at = ?, updated_at = ? WHERE id = ?
	`), at.Unix(), r.d.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("alert mark checked %d: %w", id, err)
	}
	return nil
}

// RecordTrigger is a compare-and-swap on trigger_count.
func (r *AlertRepo) RecordTrigger(ctx context.Context, id int64, expected int, at time.Time, deactivate bool) (bool, error) {
	res, err := r.d.db.ExecContext(ctx, r.d.q(`
		UPDATE personal_alerts
		SET trigger_count = trigger_count + 1,
		    last_triggered_at = ?,
		    is_active = (is_active AND ?),
		    updated_at = ?
		WHERE id = ? AND trigger_count = ?
	`), at.Unix(), !deactivate, r.d.now().Unix(), id, expected)
	if err != nil {
		return false, fmt.Errorf("alert record trigger %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("alert record trigger %d: %w", id, err)
	}
	return n == 1, nil
}

// Deactivate sets is_active=false.
func (r *AlertRepo) Deactivate(ctx context.Context, id int64) error {
	_, err := r.d.db.ExecContext(ctx, r.d.q(`
		UPDATE personal_alerts SET is_active = ?, updated_at = ? WHERE id = ?
	`), false, r.d.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("alert deactivate %d: %w", id, err)
	}
	return nil
}

func toUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
