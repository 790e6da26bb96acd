// Package service wires configuration into the running alert engine: storage,
// data sources, channels, monitors, scheduler, async worker, event stream and
// the admin API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"pulsewatch/config"
	"pulsewatch/internal/api"
	"pulsewatch/internal/breaker"
	"pulsewatch/internal/cache"
	"pulsewatch/internal/datasource"
	"pulsewatch/internal/gateway"
	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
	"pulsewatch/internal/monitor"
	"pulsewatch/internal/notification"
	"pulsewatch/internal/queue"
	"pulsewatch/internal/scheduler"
	redisstore "pulsewatch/internal/store/redis"
	"pulsewatch/internal/store/sqldb"
	"pulsewatch/internal/verification"
)

const livenessInterval = 15 * time.Second

// Service is the top-level orchestrator. It owns every long-lived component.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	DB      *sqldb.DB
	Redis   *redisstore.Client // nil when Redis is not configured
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus

	Dispatcher *notification.Dispatcher
	Registry   *monitor.Registry
	Scheduler  *scheduler.Scheduler
	Queue      queue.Queue
	Hub        *gateway.Hub
	Relay      *gateway.Relay // nil without Redis
	Verifier   *verification.Service
}

// New connects storage and builds every component. Redis is optional: when it
// cannot be reached the service falls back to in-process cache, queue and events.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		cfg:     cfg,
		log:     logger,
		Metrics: metrics.NewMetrics(reg),
		Health:  metrics.NewHealthStatus(),
	}

	// ---- Storage ----
	if cfg.Database.Driver == "sqlite3" && cfg.Database.DSN != ":memory:" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
	}
	db, err := sqldb.Open(sqldb.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	svc.DB = db

	if cfg.Redis.Addr != "" {
		rc, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			log.Printf("[service] WARNING: redis unavailable, running in-process only: %v", err)
			svc.Health.SetRedisConnected(false)
		} else {
			svc.Redis = rc
			svc.Health.SetRedisConnected(true)
		}
	}

	// ---- Data sources ----
	adapters := svc.buildAdapters()

	// ---- Channels ----
	sms, channels, err := svc.buildChannels()
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Dispatcher = notification.NewDispatcher(logger, svc.Metrics, channels...)

	// ---- Events ----
	svc.Hub = gateway.NewHub(cfg.HTTP.ReplaySize, svc.Metrics)
	svc.Hub.AllowOrigins(cfg.HTTP.WSOrigins...)
	svc.Hub.AllowFirehose(cfg.HTTP.WSFirehose)
	var events monitor.Publisher = svc.Hub
	if svc.Redis != nil {
		svc.Relay = gateway.NewRelay(svc.Redis, svc.Hub)
		events = svc.Relay
	}

	// ---- Monitors ----
	svc.Registry, err = monitor.NewRegistry(adapters, monitor.Deps{
		Alerts:     db.Alerts(),
		History:    db.History(),
		Users:      db.Users(),
		Dispatcher: svc.Dispatcher,
		Events:     events,
		Metrics:    svc.Metrics,
		Log:        logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	svc.Scheduler, err = scheduler.New(scheduler.Config{
		Specs:      cfg.ScheduleSpecs(),
		ForceStock: cfg.Scheduler.ForceStock,
		Timeout:    cfg.Scheduler.Timeout,
	}, svc.Registry, svc.Metrics, svc.Health, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}

	if svc.Redis != nil {
		svc.Queue = redisstore.NewQueue(svc.Redis)
	} else {
		svc.Queue = queue.NewMemory(cfg.Scheduler.QueueSize)
	}

	// ---- Phone verification ----
	if cfg.Verification.SecretKey != "" {
		svc.Verifier, err = verification.New(verification.Config{
			SecretKey:   cfg.Verification.SecretKey,
			Issuer:      cfg.Verification.Issuer,
			Period:      cfg.Verification.Period,
			Cooldown:    cfg.Verification.Cooldown,
			MaxAttempts: cfg.Verification.MaxAttempts,
		}, db.Users(), sms, logger)
		if err != nil {
			svc.Close()
			return nil, err
		}
	}
	return svc, nil
}

func (svc *Service) buildAdapters() map[model.AlertType]datasource.Adapter {
	local := cache.NewTTL(svc.cfg.Providers.CacheSize)
	local.OnLookup = svc.Metrics.ObserveCache

	var remote cache.Remote
	if svc.Redis != nil {
		rc := redisstore.NewCache(svc.Redis, nil)
		rc.Breaker().OnStateChange = svc.observeBreaker
		remote = rc
	}

	p := svc.cfg.Providers
	opts := datasource.Options{
		Cache:           cache.NewTiered(local, remote, svc.log),
		Log:             svc.log,
		RatePerMinute:   p.RatePerMinute,
		OnFetch:         svc.Metrics.ObserveProvider,
		OnBreakerChange: svc.observeBreaker,
	}
	return map[model.AlertType]datasource.Adapter{
		model.AlertCrypto:   datasource.NewCrypto(datasource.CryptoConfig{CoinGeckoAPIKey: p.CoinGeckoAPIKey}, opts),
		model.AlertCurrency: datasource.NewCurrency(datasource.CurrencyConfig{LocalCurrency: p.LocalCurrency, CentralBankURL: p.CentralBankURL}, opts),
		model.AlertStock:    datasource.NewStock(datasource.StockConfig{AlphaVantageKey: p.AlphaVantageKey, FinnhubKey: p.FinnhubKey}, opts),
		model.AlertWeather:  datasource.NewWeather(datasource.WeatherConfig{APIKey: p.OpenWeatherKey}, opts),
		model.AlertWebsite:  datasource.NewWebsite(opts),
	}
}

func (svc *Service) observeBreaker(name string, from, to breaker.State) {
	svc.log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
	svc.Metrics.ObserveBreaker(name, int(to))
}

func (svc *Service) buildChannels() (*notification.SMS, []notification.Channel, error) {
	ch := svc.cfg.Channels
	opts := notification.Options{MockMode: svc.cfg.App.MockMode, Log: svc.log, BaseURL: svc.cfg.App.BaseURL}

	var billing notification.Billing
	if ch.SMS.CostPerSegment > 0 {
		billing = notification.BalanceBilling{Store: svc.DB.Users(), CostPerSegment: ch.SMS.CostPerSegment}
	}
	sms := notification.NewSMS(notification.SMSConfig{
		GatewayURL: ch.SMS.GatewayURL,
		Username:   ch.SMS.Username,
		Password:   ch.SMS.Password,
		From:       ch.SMS.From,
	}, billing, opts)

	push, err := notification.NewPush(notification.PushConfig{
		VAPIDPublicKey:  ch.Push.VAPIDPublicKey,
		VAPIDPrivateKey: ch.Push.VAPIDPrivateKey,
		VAPIDSubject:    ch.Push.VAPIDSubject,
		Icon:            ch.Push.Icon,
		Icons:           svc.cfg.PushIcons(),
		APNsKeyFile:     ch.Push.APNsKeyFile,
		APNsKeyID:       ch.Push.APNsKeyID,
		APNsTeamID:      ch.Push.APNsTeamID,
		APNsTopic:       ch.Push.APNsTopic,
		APNsSandbox:     ch.Push.APNsSandbox,
	}, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("push channel: %w", err)
	}

	var wa notification.WhatsAppProvider
	switch ch.WhatsApp.Provider {
	case "twilio":
		wa = notification.NewTwilio(notification.TwilioConfig{
			AccountSID: ch.WhatsApp.TwilioAccountSID,
			AuthToken:  ch.WhatsApp.TwilioAuthToken,
			From:       ch.WhatsApp.TwilioFrom,
		}, nil)
	case "meta":
		wa = notification.NewMeta(notification.MetaConfig{
			PhoneNumberID: ch.WhatsApp.MetaPhoneNumberID,
			AccessToken:   ch.WhatsApp.MetaAccessToken,
		}, nil)
	}

	channels := []notification.Channel{
		sms,
		notification.NewEmail(notification.EmailConfig{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
			FromName: ch.Email.FromName,
		}, opts),
		push,
		notification.NewTelegram(notification.TelegramConfig{BotToken: ch.Telegram.BotToken}, opts),
		notification.NewWhatsApp(wa, opts),
		notification.NewSlack(opts),
	}
	return sms, channels, nil
}

// Router builds the admin API on the service's components.
func (svc *Service) Router() http.Handler {
	deps := api.Deps{
		Alerts:  svc.DB.Alerts(),
		History: svc.DB.History(),
		Users:   svc.DB.Users(),
		Checks:  svc.Registry,
		Runner:  svc.Scheduler,
		Queue:   svc.Queue,
		Tester:  svc.Dispatcher,
		Health:  svc.Health,
		Events:  svc.Hub,
		Log:     svc.log,
	}
	if svc.Verifier != nil {
		deps.Verifier = svc.Verifier
	}
	return api.NewRouter(deps)
}

// Run starts every subsystem and blocks until ctx is cancelled or the API
// server fails.
func (svc *Service) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var rdb *goredis.Client
	if svc.Redis != nil {
		rdb = svc.Redis.Raw()
	}
	svc.Health.StartLivenessChecker(ctx, rdb, svc.DB.Raw().DB, livenessInterval)

	metricsSrv := metrics.NewServer(svc.cfg.HTTP.MetricsAddr, svc.Health)
	metricsSrv.Start()

	if svc.Relay != nil {
		go svc.Relay.Run(ctx)
	}

	workerDone := make(chan struct{})
	worker := queue.NewWorker(svc.Queue, svc.Registry.HandleJob, svc.log)
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	svc.Scheduler.Start()
	log.Printf("[service] scheduler running %d jobs", svc.Scheduler.Jobs())

	srv := &http.Server{
		Addr:              svc.cfg.HTTP.APIAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[service] api listening on %s", svc.cfg.HTTP.APIAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		runErr = fmt.Errorf("api server: %w", runErr)
	}

	// ---- Graceful shutdown ----
	log.Println("[service] shutting down...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()

	srv.Shutdown(shutdownCtx)
	svc.Hub.Close()
	select {
	case <-svc.Scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		log.Println("[service] WARNING: scheduler jobs still running at shutdown deadline")
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
	}
	metricsSrv.Stop(shutdownCtx)
	return runErr
}

// Close releases storage connections.
func (svc *Service) Close() error {
	var err error
	if svc.Redis != nil {
		err = multierr.Append(err, svc.Redis.Close())
	}
	if svc.DB != nil {
		err = multierr.Append(err, svc.DB.Close())
	}
	return err
}
