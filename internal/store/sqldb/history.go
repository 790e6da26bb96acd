package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulsewatch/internal/model"
)

// HistoryRepo implements model.HistoryStore.
type HistoryRepo struct {
	d *DB
}

type historyRow struct {
	ID             string `db:"id"`
	AlertID        int64  `db:"alert_id"`
	UserID         string `db:"user_id"`
	Conditions     string `db:"conditions"`
	Data           string `db:"data"`
	Message        string `db:"message"`
	DeliveryStatus string `db:"delivery_status"`
	Delivered      bool   `db:"delivered"`
	TriggeredAt    int64  `db:"triggered_at"`
}

// Create inserts a trigger row. An empty ID is assigned a UUID.
func (r *HistoryRepo) Create(ctx context.Context, h *model.AlertHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.TriggeredAt.IsZero() {
		h.TriggeredAt = r.d.now().UTC()
	}
	cond, err := json.Marshal(h.Conditions)
	if err != nil {
		return fmt.Errorf("history create: encode conditions: %w", err)
	}
	data, err := json.Marshal(h.Data)
	if err != nil {
		return fmt.Errorf("history create: encode data: %w", err)
	}
	_, err = r.d.db.ExecContext(ctx, r.d.q(`
		INSERT INTO alert_history (id, alert_id, user_id, conditions, data, message, delivery_status, delivered, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), h.ID, h.AlertID, h.UserID, string(cond), string(data), h.Message, "{}", false, h.TriggeredAt.Unix())
	if err != nil {
		return fmt.Errorf("history create: %w", err)
	}
	return nil
}

// AttachDelivery records the message and per-channel outcome on a row,
// exactly once.
func (r *HistoryRepo) AttachDelivery(ctx context.Context, id, message string, status model.DeliveryStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("history attach: encode status: %w", err)
	}
	res, err := r.d.db.ExecContext(ctx, r.d.q(`
		UPDATE alert_history SET message = ?, delivery_status = ?, delivered = ?, attached_at = ?
		WHERE id = ? AND attached_at IS NULL
	`), message, string(b), status.Delivered(), r.d.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("history attach %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := r.d.db.GetContext(ctx, &exists, r.d.q(`SELECT COUNT(*) FROM alert_history WHERE id = ?`), id); err != nil {
		return fmt.Errorf("history attach %s: %w", id, err)
	}
	if exists == 0 {
		return model.ErrNotFound
	}
	return model.ErrAlreadyAttached
}

// ListByAlert returns an alert's trigger rows, newest first.
func (r *HistoryRepo) ListByAlert(ctx context.Context, alertID int64, limit int) ([]model.AlertHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []historyRow
	err := r.d.db.SelectContext(ctx, &rows, r.d.q(`
		SELECT id, alert_id, user_id, conditions, data, message, delivery_status, delivered, triggered_at
		FROM alert_history WHERE alert_id = ?
		ORDER BY triggered_at DESC, id DESC
		LIMIT ?
	`), alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("history list %d: %w", alertID, err)
	}

	out := make([]model.AlertHistory, 0, len(rows))
	for _, row := range rows {
		h := model.AlertHistory{
			ID:          row.ID,
			AlertID:     row.AlertID,
			UserID:      row.UserID,
			Message:     row.Message,
			TriggeredAt: time.Unix(row.TriggeredAt, 0).UTC(),
		}
		if err := json.Unmarshal([]byte(row.Conditions), &h.Conditions); err != nil {
			return nil, fmt.Errorf("history %s conditions: %w", row.ID, err)
		}
		if err := json.Unmarshal([]byte(row.Data), &h.Data); err != nil {
			return nil, fmt.Errorf("history %s data: %w", row.ID, err)
		}
		if err := json.Unmarshal([]byte(row.DeliveryStatus), &h.DeliveryStatus); err != nil {
			return nil, fmt.Errorf("history %s status: %w", row.ID, err)
		}
		out = append(out, h)
	}
	return out, nil
}
