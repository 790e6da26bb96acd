// Package sqldb persists personal alerts, the trigger history ledger and the
// user reachability records. SQLite is the default driver; Postgres is
// selected by config and shares every query through sqlx.Rebind.
package sqldb

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Config configures the database connection.
type Config struct {
	Driver string // "sqlite3" or "postgres"
	DSN    string // file path for sqlite3, connection URL for postgres
}

// DB is the SQL store. It satisfies model.AlertStore, model.HistoryStore and
// model.UserStore through the Alerts, History and Users accessors.
type DB struct {
	db     *sqlx.DB
	driver string
	now    func() time.Time
}

// Open connects, applies the schema and returns the store.
func Open(cfg Config) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := cfg.DSN
	if driver == "sqlite3" && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Single writer; WAL lets readers proceed.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", driver, err)
	}

	schema := sqliteSchema
	if driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s schema: %w", driver, err)
	}

	log.Printf("[sqldb] opened %s database", driver)
	return &DB{db: db, driver: driver, now: time.Now}, nil
}

// Raw returns the underlying handle for health checks.
func (d *DB) Raw() *sqlx.DB { return d.db }

// Close releases the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Alerts returns the alert repository.
func (d *DB) Alerts() *AlertRepo { return &AlertRepo{d: d} }

// History returns the trigger ledger repository.
func (d *DB) History() *HistoryRepo { return &HistoryRepo{d: d} }

// Users returns the user repository.
func (d *DB) Users() *UserRepo { return &UserRepo{d: d} }

func (d *DB) q(query string) string { return d.db.Rebind(query) }

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS personal_alerts (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id               TEXT    NOT NULL,
		alert_type            TEXT    NOT NULL,
		name                  TEXT    NOT NULL DEFAULT '',
		asset                 TEXT    NOT NULL,
		conditions            TEXT    NOT NULL,
		notification_channels TEXT    NOT NULL,
		is_active             BOOLEAN NOT NULL DEFAULT 1,
		is_recurring          BOOLEAN NOT NULL DEFAULT 0,
		check_frequency       INTEGER NOT NULL DEFAULT 300,
		last_checked_at       INTEGER,
		last_triggered_at     INTEGER,
		trigger_count         INTEGER NOT NULL DEFAULT 0,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_personal_alerts_due ON personal_alerts (alert_type, is_active, last_checked_at);
	CREATE INDEX IF NOT EXISTS idx_personal_alerts_user ON personal_alerts (user_id);

	CREATE TABLE IF NOT EXISTS alert_history (
		id              TEXT    PRIMARY KEY,
		alert_id        INTEGER NOT NULL,
		user_id         TEXT    NOT NULL,
		conditions      TEXT    NOT NULL,
		data            TEXT    NOT NULL,
		message         TEXT    NOT NULL DEFAULT '',
		delivery_status TEXT    NOT NULL DEFAULT '{}',
		delivered       BOOLEAN NOT NULL DEFAULT 0,
		triggered_at    INTEGER NOT NULL,
		attached_at     INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history (alert_id, triggered_at);

	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		email              TEXT NOT NULL DEFAULT '',
		phone              TEXT NOT NULL DEFAULT '',
		phone_verified     BOOLEAN NOT NULL DEFAULT 0,
		push_subscriptions TEXT NOT NULL DEFAULT '[]',
		telegram_chat_id   TEXT NOT NULL DEFAULT '',
		whatsapp_number    TEXT NOT NULL DEFAULT '',
		slack_webhook_url  TEXT NOT NULL DEFAULT '',
		sms_balance        REAL NOT NULL DEFAULT 0
	);
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS personal_alerts (
		id                    BIGSERIAL PRIMARY KEY,
		user_id               TEXT    NOT NULL,
		alert_type            TEXT    NOT NULL,
		name                  TEXT    NOT NULL DEFAULT '',
		asset                 TEXT    NOT NULL,
		conditions            TEXT    NOT NULL,
		notification_channels TEXT    NOT NULL,
		is_active             BOOLEAN NOT NULL DEFAULT TRUE,
		is_recurring          BOOLEAN NOT NULL DEFAULT FALSE,
		check_frequency       INTEGER NOT NULL DEFAULT 300,
		last_checked_at       BIGINT,
		last_triggered_at     BIGINT,
		trigger_count         INTEGER NOT NULL DEFAULT 0,
		created_at            BIGINT  NOT NULL,
		updated_at            BIGINT  NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_personal_alerts_due ON personal_alerts (alert_type, is_active, last_checked_at);
	CREATE INDEX IF NOT EXISTS idx_personal_alerts_user ON personal_alerts (user_id);

	CREATE TABLE IF NOT EXISTS alert_history (
		id              TEXT    PRIMARY KEY,
		alert_id        BIGINT  NOT NULL,
		user_id         TEXT    NOT NULL,
		conditions      TEXT    NOT NULL,
		data            TEXT    NOT NULL,
		message         TEXT    NOT NULL DEFAULT '',
		delivery_status TEXT    NOT NULL DEFAULT '{}',
		delivered       BOOLEAN NOT NULL DEFAULT FALSE,
		triggered_at    BIGINT  NOT NULL,
		attached_at     BIGINT
	);
	CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history (alert_id, triggered_at);

	CREATE TABLE IF NOT EXISTS users (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		email              TEXT NOT NULL DEFAULT '',
		phone              TEXT NOT NULL DEFAULT '',
		phone_verified     BOOLEAN NOT NULL DEFAULT FALSE,
		push_subscriptions TEXT NOT NULL DEFAULT '[]',
		telegram_chat_id   TEXT NOT NULL DEFAULT '',
		whatsapp_number    TEXT NOT NULL DEFAULT '',
		slack_webhook_url  TEXT NOT NULL DEFAULT '',
		sms_balance        DOUBLE PRECISION NOT NULL DEFAULT 0
	);
`
