// Package config loads the service configuration. Values are layered:
// built-in defaults, then an optional YAML file, then a .env file, then the
// process environment, each layer overwriting the previous one.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"pulsewatch/internal/model"
)

// Config holds all application configuration.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	HTTP         HTTPConfig         `yaml:"http"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Verification VerificationConfig `yaml:"verification"`
}

type AppConfig struct {
	Name     string `yaml:"name" env:"SERVICE_NAME, overwrite"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL, overwrite"`
	LogFile  string `yaml:"log_file" env:"LOG_FILE, overwrite"`

	// MockMode logs notifications instead of sending them.
	MockMode bool   `yaml:"mock_mode" env:"MOCK_MODE, overwrite"`
	BaseURL  string `yaml:"base_url" env:"APP_BASE_URL, overwrite"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DB_DRIVER, overwrite"` // sqlite3 or postgres
	DSN    string `yaml:"dsn" env:"DATABASE_URL, overwrite"`
}

// RedisConfig enables the shared cache tier, the job queue and the event
// relay. An empty Addr runs everything in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR, overwrite"`
	Password string `yaml:"password" env:"REDIS_PASSWORD, overwrite"`
	DB       int    `yaml:"db" env:"REDIS_DB, overwrite"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX, overwrite"`
}

type HTTPConfig struct {
	APIAddr     string `yaml:"api_addr" env:"API_ADDR, overwrite"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR, overwrite"`

	// ReplaySize is how many trigger events a reconnecting websocket client can catch up on.
	ReplaySize int `yaml:"replay_size" env:"WS_REPLAY_SIZE, overwrite"`

	// WSOrigins are extra browser origins allowed on /ws; same-origin is always allowed.
	WSOrigins []string `yaml:"ws_origins" env:"WS_ORIGINS, overwrite"`
	// WSFirehose lets clients without user_id stream every user's events.
	WSFirehose bool `yaml:"ws_firehose" env:"WS_FIREHOSE, overwrite"`
}

type SchedulerConfig struct {
	// Specs maps an alert type to a cron spec; "-" disables the type.
	Specs      map[string]string `yaml:"specs" env:"SCHEDULER_SPECS, overwrite"`
	ForceStock bool              `yaml:"force_stock" env:"FORCE_STOCK, overwrite"`
	Timeout    time.Duration     `yaml:"timeout" env:"SCHEDULER_TIMEOUT, overwrite"`
	QueueSize  int               `yaml:"queue_size" env:"QUEUE_SIZE, overwrite"`
}

type ProvidersConfig struct {
	RatePerMinute int `yaml:"rate_per_minute" env:"PROVIDER_RATE_PER_MINUTE, overwrite"`
	CacheSize     int `yaml:"cache_size" env:"CACHE_SIZE, overwrite"`

	CoinGeckoAPIKey string `yaml:"coingecko_api_key" env:"COINGECKO_API_KEY, overwrite"`
	AlphaVantageKey string `yaml:"alphavantage_key" env:"ALPHAVANTAGE_API_KEY, overwrite"`
	FinnhubKey      string `yaml:"finnhub_key" env:"FINNHUB_API_KEY, overwrite"`
	OpenWeatherKey  string `yaml:"openweather_key" env:"OPENWEATHER_API_KEY, overwrite"`

	LocalCurrency  string `yaml:"local_currency" env:"LOCAL_CURRENCY, overwrite"`
	CentralBankURL string `yaml:"central_bank_url" env:"CENTRAL_BANK_URL, overwrite"`
}

type ChannelsConfig struct {
	SMS      SMSConfig      `yaml:"sms"`
	Email    EmailConfig    `yaml:"email"`
	Push     PushConfig     `yaml:"push"`
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type SMSConfig struct {
	GatewayURL     string  `yaml:"gateway_url" env:"SMS_GATEWAY_URL, overwrite"`
	Username       string  `yaml:"username" env:"SMS_USERNAME, overwrite"`
	Password       string  `yaml:"password" env:"SMS_PASSWORD, overwrite"`
	From           string  `yaml:"from" env:"SMS_FROM, overwrite"`
	CostPerSegment float64 `yaml:"cost_per_segment" env:"SMS_COST_PER_SEGMENT, overwrite"`
}

type EmailConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST, overwrite"`
	Port     int    `yaml:"port" env:"SMTP_PORT, overwrite"`
	Username string `yaml:"username" env:"SMTP_USERNAME, overwrite"`
	Password string `yaml:"password" env:"SMTP_PASSWORD, overwrite"`
	From     string `yaml:"from" env:"SMTP_FROM, overwrite"`
	FromName string `yaml:"from_name" env:"SMTP_FROM_NAME, overwrite"`
}

type PushConfig struct {
	VAPIDPublicKey  string            `yaml:"vapid_public_key" env:"VAPID_PUBLIC_KEY, overwrite"`
	VAPIDPrivateKey string            `yaml:"vapid_private_key" env:"VAPID_PRIVATE_KEY, overwrite"`
	VAPIDSubject    string            `yaml:"vapid_subject" env:"VAPID_SUBJECT, overwrite"`
	Icon            string            `yaml:"icon" env:"PUSH_ICON, overwrite"`
	Icons           map[string]string `yaml:"icons"`

	APNsKeyFile string `yaml:"apns_key_file" env:"APNS_KEY_FILE, overwrite"`
	APNsKeyID   string `yaml:"apns_key_id" env:"APNS_KEY_ID, overwrite"`
	APNsTeamID  string `yaml:"apns_team_id" env:"APNS_TEAM_ID, overwrite"`
	APNsTopic   string `yaml:"apns_topic" env:"APNS_TOPIC, overwrite"`
	APNsSandbox bool   `yaml:"apns_sandbox" env:"APNS_SANDBOX, overwrite"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN, overwrite"`
}

// WhatsAppConfig selects the WhatsApp provider: "twilio", "meta" or empty to disable.
type WhatsAppConfig struct {
	Provider string `yaml:"provider" env:"WHATSAPP_PROVIDER, overwrite"`

	TwilioAccountSID string `yaml:"twilio_account_sid" env:"TWILIO_ACCOUNT_SID, overwrite"`
	TwilioAuthToken  string `yaml:"twilio_auth_token" env:"TWILIO_AUTH_TOKEN, overwrite"`
	TwilioFrom       string `yaml:"twilio_from" env:"TWILIO_WHATSAPP_FROM, overwrite"`

	MetaPhoneNumberID string `yaml:"meta_phone_number_id" env:"META_PHONE_NUMBER_ID, overwrite"`
	MetaAccessToken   string `yaml:"meta_access_token" env:"META_ACCESS_TOKEN, overwrite"`
}

// VerificationConfig enables phone verification when SecretKey is set.
type VerificationConfig struct {
	SecretKey   string        `yaml:"secret_key" env:"VERIFY_SECRET_KEY, overwrite"`
	Issuer      string        `yaml:"issuer" env:"VERIFY_ISSUER, overwrite"`
	Period      time.Duration `yaml:"period" env:"VERIFY_PERIOD, overwrite"`
	Cooldown    time.Duration `yaml:"cooldown" env:"VERIFY_COOLDOWN, overwrite"`
	MaxAttempts int           `yaml:"max_attempts" env:"VERIFY_MAX_ATTEMPTS, overwrite"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:     "pulsewatch",
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "data/pulsewatch.db",
		},
		Redis: RedisConfig{Prefix: "pulsewatch:"},
		HTTP: HTTPConfig{
			APIAddr:     ":8080",
			MetricsAddr: ":9090",
			ReplaySize:  256,
		},
		Scheduler: SchedulerConfig{
			Timeout:   4 * time.Minute,
			QueueSize: 256,
		},
		Providers: ProvidersConfig{
			RatePerMinute: 60,
			CacheSize:     4096,
			LocalCurrency: "AZN",
		},
		Channels: ChannelsConfig{
			Email: EmailConfig{Port: 587, FromName: "Pulsewatch"},
		},
		Verification: VerificationConfig{
			Issuer:      "Pulsewatch",
			Period:      5 * time.Minute,
			Cooldown:    time.Minute,
			MaxAttempts: 5,
		},
	}
}

// Load reads path (optional), then .env from the working directory, then the
// environment. A missing .env is not an error; a missing explicit path is.
func Load(ctx context.Context, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Printf("[config] loaded %s", path)
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: cfg, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var err error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		err = multierr.Append(err, fmt.Errorf("config: database.driver %q must be sqlite3 or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		err = multierr.Append(err, errors.New("config: database.dsn is required"))
	}
	if c.HTTP.APIAddr == "" {
		err = multierr.Append(err, errors.New("config: http.api_addr is required"))
	}
	for t := range c.Scheduler.Specs {
		if _, perr := model.ParseAlertType(t); perr != nil {
			err = multierr.Append(err, fmt.Errorf("config: scheduler.specs: %w", perr))
		}
	}
	for t := range c.Channels.Push.Icons {
		if _, perr := model.ParseAlertType(t); perr != nil {
			err = multierr.Append(err, fmt.Errorf("config: channels.push.icons: %w", perr))
		}
	}
	if p := c.Channels.Email.Port; p <= 0 || p > 65535 {
		err = multierr.Append(err, fmt.Errorf("config: channels.email.port %d out of range", p))
	}

	wa := c.Channels.WhatsApp
	switch wa.Provider {
	case "":
	case "twilio":
		if wa.TwilioAccountSID == "" || wa.TwilioAuthToken == "" || wa.TwilioFrom == "" {
			err = multierr.Append(err, errors.New("config: twilio requires account sid, auth token and from number"))
		}
	case "meta":
		if wa.MetaPhoneNumberID == "" || wa.MetaAccessToken == "" {
			err = multierr.Append(err, errors.New("config: meta requires phone number id and access token"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("config: channels.whatsapp.provider %q must be twilio or meta", wa.Provider))
	}

	if c.Channels.SMS.CostPerSegment < 0 {
		err = multierr.Append(err, errors.New("config: channels.sms.cost_per_segment must not be negative"))
	}
	return err
}

// ScheduleSpecs converts the configured specs to alert-type keys.
func (c *Config) ScheduleSpecs() map[model.AlertType]string {
	out := make(map[model.AlertType]string, len(c.Scheduler.Specs))
	for t, spec := range c.Scheduler.Specs {
		out[model.AlertType(t)] = spec
	}
	return out
}

// PushIcons converts the configured per-type icons to alert-type keys.
func (c *Config) PushIcons() map[model.AlertType]string {
	out := make(map[model.AlertType]string, len(c.Channels.Push.Icons))
	for t, icon := range c.Channels.Push.Icons {
		out[model.AlertType(t)] = icon
	}
	return out
}
