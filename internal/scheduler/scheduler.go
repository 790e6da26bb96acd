// Package scheduler runs each alert type's check on its own cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"pulsewatch/internal/markethours"
	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
	"pulsewatch/internal/monitor"
)

// DefaultSpecs is the cadence per alert type.
var DefaultSpecs = map[model.AlertType]string{
	model.AlertCrypto:   "@every 5m",
	model.AlertCurrency: "@every 30m",
	model.AlertStock:    "@every 5m",
	model.AlertWeather:  "@every 15m",
	model.AlertWebsite:  "@every 5m",
}

// Checker runs one type's check. *monitor.Registry satisfies it.
type Checker interface {
	CheckType(ctx context.Context, t model.AlertType) (monitor.Summary, error)
}

// Config selects cadences and run limits.
type Config struct {
	Specs      map[model.AlertType]string // missing types use DefaultSpecs; "-" disables a type
	ForceStock bool                       // run stock checks outside exchange hours
	Timeout    time.Duration              // per run, default 4m
}

// Scheduler owns the cron instance. Runs of the same type never overlap.
type Scheduler struct {
	cron    *cron.Cron
	checker Checker
	cfg     Config
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses every spec and registers one job per type. m and health may be nil.
func New(cfg Config, checker Checker, m *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Minute
	}
	cl := cronLogger{log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		checker: checker,
		cfg:     cfg,
		metrics: m,
		health:  health,
		log:     log,
		now:     time.Now,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, info := range model.AlertTypes() {
		t := info.Slug
		spec := DefaultSpecs[t]
		if custom, ok := cfg.Specs[t]; ok && custom != "" {
			spec = custom
		}
		if spec == "-" {
			log.Info("scheduler type disabled", "alert_type", t)
			continue
		}
		if _, err := s.cron.AddFunc(spec, func() { s.run(t) }); err != nil {
			return nil, fmt.Errorf("scheduler: %s spec %q: %w", t, spec, err)
		}
		log.Info("scheduled checks", "alert_type", t, "spec", spec)
	}
	return s, nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron and cancels in-flight runs. The returned context is
// done when running jobs have returned.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.cancel()
	return done
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

func (s *Scheduler) run(t model.AlertType) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	if _, _, err := s.RunOnce(ctx, t, s.cfg.ForceStock); err != nil {
		s.log.Error("scheduled check failed", "alert_type", t, "error", err)
	}
}

// RunOnce checks one type now. Stock checks are skipped while the exchange
// is closed unless force is set; skipped reports that case.
func (s *Scheduler) RunOnce(ctx context.Context, t model.AlertType, force bool) (sum monitor.Summary, skipped bool, err error) {
	now := s.now()
	if t == model.AlertStock && !force && !markethours.IsMarketOpen(now) {
		s.log.Info("stock check skipped", "reason", markethours.StatusString(now))
		s.metrics.ObserveSchedulerRun(string(t), true)
		return monitor.Summary{Type: t}, true, nil
	}

	s.metrics.ObserveSchedulerRun(string(t), false)
	sum, err = s.checker.CheckType(ctx, t)
	if s.health != nil {
		s.health.MarkRun(string(t), now)
	}
	return sum, false, err
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
