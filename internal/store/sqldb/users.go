package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pulsewatch/internal/model"
)

// UserRepo implements model.UserStore over the local reachability table.
type UserRepo struct {
	d *DB
}

type userRow struct {
	ID                string  `db:"id"`
	Name              string  `db:"name"`
	Email             string  `db:"email"`
	Phone             string  `db:"phone"`
	PhoneVerified     bool    `db:"phone_verified"`
	PushSubscriptions string  `db:"push_subscriptions"`
	TelegramChatID    string  `db:"telegram_chat_id"`
	WhatsAppNumber    string  `db:"whatsapp_number"`
	SlackWebhookURL   string  `db:"slack_webhook_url"`
	SMSBalance        float64 `db:"sms_balance"`
}

// Get loads a user.
func (r *UserRepo) Get(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	err := r.d.db.GetContext(ctx, &row, r.d.q(`
		SELECT id, name, email, phone, phone_verified, push_subscriptions,
		       telegram_chat_id, whatsapp_number, slack_webhook_url, sms_balance
		FROM users WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user get %s: %w", id, err)
	}
	u := &model.User{
		ID:              row.ID,
		Name:            row.Name,
		Email:           row.Email,
		Phone:           row.Phone,
		PhoneVerified:   row.PhoneVerified,
		TelegramChatID:  row.TelegramChatID,
		WhatsAppNumber:  row.WhatsAppNumber,
		SlackWebhookURL: row.SlackWebhookURL,
		SMSBalance:      row.SMSBalance,
	}
	if row.PushSubscriptions != "" {
		if err := json.Unmarshal([]byte(row.PushSubscriptions), &u.PushSubscriptions); err != nil {
			return nil, fmt.Errorf("user %s push subscriptions: %w", id, err)
		}
	}
	return u, nil
}

// Upsert writes a user's reachability record.
func (r *UserRepo) Upsert(ctx context.Context, u *model.User) error {
	subs := u.PushSubscriptions
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	b, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("user upsert: encode subscriptions: %w", err)
	}
	_, err = r.d.db.ExecContext(ctx, r.d.q(`
		INSERT INTO users (id, name, email, phone, phone_verified, push_subscriptions,
			telegram_chat_id, whatsapp_number, slack_webhook_url, sms_balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, email = excluded.email, phone = excluded.phone,
			phone_verified = excluded.phone_verified, push_subscriptions = excluded.push_subscriptions,
			telegram_chat_id = excluded.telegram_chat_id, whatsapp_number = excluded.whatsapp_number,
			slack_webhook_url = excluded.slack_webhook_url, sms_balance = excluded.sms_balance
	`), u.ID, u.Name, u.Email, u.Phone, u.PhoneVerified, string(b),
		u.TelegramChatID, u.WhatsAppNumber, u.SlackWebhookURL, u.SMSBalance)
	if err != nil {
		return fmt.Errorf("user upsert %s: %w", u.ID, err)
	}
	return nil
}

// SetPhoneVerified records the outcome of phone verification.
func (r *UserRepo) SetPhoneVerified(ctx context.Context, id string, verified bool) error {
	res, err := r.d.db.ExecContext(ctx, r.d.q(`UPDATE users SET phone_verified = ? WHERE id = ?`), verified, id)
	if err != nil {
		return fmt.Errorf("user verify phone %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// AdjustSMSBalance adds delta to the balance unless the result would be negative.
// It returns false when the balance is insufficient.
func (r *UserRepo) AdjustSMSBalance(ctx context.Context, id string, delta float64) (bool, error) {
	res, err := r.d.db.ExecContext(ctx, r.d.q(`
		UPDATE users SET sms_balance = sms_balance + ? WHERE id = ? AND sms_balance + ? >= 0
	`), delta, id, delta)
	if err != nil {
		return false, fmt.Errorf("user sms balance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("user sms balance %s: %w", id, err)
	}
	return n == 1, nil
}
