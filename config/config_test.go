package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	"pulsewatch/internal/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulsewatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(context.Background(), "", envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" || cfg.HTTP.APIAddr != ":8080" {
		t.Errorf("unexpected defaults %+v %+v", cfg.Database, cfg.HTTP)
	}
	if cfg.Verification.Period != 5*time.Minute {
		t.Errorf("expected 5m verification period, got %v", cfg.Verification.Period)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("expected redis disabled by default, got %q", cfg.Redis.Addr)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
app:
  log_level: debug
  mock_mode: true
database:
  driver: postgres
  dsn: postgres://file/db
scheduler:
  specs:
    crypto: "@every 1m"
    stock: "-"
  timeout: 90s
channels:
  push:
    icons:
      weather: /icons/cloud.png
`)
	env := envconfig.MapLookuper(map[string]string{
		"DATABASE_URL": "postgres://env/db",
		"MOCK_MODE":    "false",
		"WS_ORIGINS":   "https://a.example,https://b.example",
	})

	cfg, err := load(context.Background(), path, env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.LogLevel != "debug" {
		t.Errorf("expected log level from file, got %q", cfg.App.LogLevel)
	}
	if cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("expected env to overwrite dsn, got %q", cfg.Database.DSN)
	}
	if cfg.App.MockMode {
		t.Error("expected env to overwrite mock_mode")
	}
	if cfg.Scheduler.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %v", cfg.Scheduler.Timeout)
	}
	specs := cfg.ScheduleSpecs()
	if specs[model.AlertCrypto] != "@every 1m" || specs[model.AlertStock] != "-" {
		t.Errorf("unexpected specs %v", specs)
	}
	if cfg.PushIcons()[model.AlertWeather] != "/icons/cloud.png" {
		t.Errorf("unexpected icons %v", cfg.PushIcons())
	}
	if len(cfg.HTTP.WSOrigins) != 2 || cfg.HTTP.WSOrigins[1] != "https://b.example" {
		t.Errorf("expected two ws origins from env, got %v", cfg.HTTP.WSOrigins)
	}
	if cfg.HTTP.WSFirehose {
		t.Error("expected firehose off by default")
	}
	// Untouched defaults survive the file layer.
	if cfg.HTTP.MetricsAddr != ":9090" {
		t.Errorf("expected default metrics addr, got %q", cfg.HTTP.MetricsAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), envconfig.MapLookuper(nil))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"spec type", func(c *Config) { c.Scheduler.Specs = map[string]string{"bonds": "@hourly"} }, "scheduler.specs"},
		{"whatsapp provider", func(c *Config) { c.Channels.WhatsApp.Provider = "signal" }, "whatsapp.provider"},
		{"twilio creds", func(c *Config) { c.Channels.WhatsApp.Provider = "twilio" }, "twilio requires"},
		{"email port", func(c *Config) { c.Channels.Email.Port = 0 }, "email.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.HTTP.APIAddr = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "database.driver") || !strings.Contains(err.Error(), "api_addr") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}
