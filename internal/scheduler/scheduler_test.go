package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
	"pulsewatch/internal/monitor"
)

type countingChecker struct {
	mu    sync.Mutex
	calls map[model.AlertType]int
	err   error
}

func (c *countingChecker) CheckType(_ context.Context, t model.AlertType) (monitor.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[model.AlertType]int{}
	}
	c.calls[t]++
	return monitor.Summary{Type: t, Checked: 1}, c.err
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var (
	sundayNoon    = time.Date(2026, 10, 18, 16, 0, 0, 0, time.UTC) // 12:00 ET, weekend
	mondayMorning = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC) // 10:00 ET
)

func TestRunOnce_StockGatedByMarketHours(t *testing.T) {
	checker := &countingChecker{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	health := metrics.NewHealthStatus()
	s, err := New(Config{}, checker, m, health, quietLog())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	s.now = func() time.Time { return sundayNoon }
	if _, skipped, err := s.RunOnce(ctx, model.AlertStock, false); err != nil || !skipped {
		t.Fatalf("expected skip on weekend, got skipped=%v err=%v", skipped, err)
	}
	if checker.calls[model.AlertStock] != 0 {
		t.Errorf("expected no stock check, got %d", checker.calls[model.AlertStock])
	}

	if _, skipped, _ := s.RunOnce(ctx, model.AlertStock, true); skipped {
		t.Error("expected forced run")
	}
	if _, skipped, _ := s.RunOnce(ctx, model.AlertCrypto, false); skipped {
		t.Error("expected crypto to ignore market hours")
	}

	s.now = func() time.Time { return mondayMorning }
	sum, skipped, err := s.RunOnce(ctx, model.AlertStock, false)
	if err != nil || skipped || sum.Checked != 1 {
		t.Errorf("expected stock run during session, got %+v skipped=%v err=%v", sum, skipped, err)
	}
	if checker.calls[model.AlertStock] != 2 {
		t.Errorf("expected 2 stock checks, got %d", checker.calls[model.AlertStock])
	}

	if got := testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("stock", "skipped")); got != 1 {
		t.Errorf("expected 1 skipped stock run, got %v", got)
	}
	if got := testutil.ToFloat64(m.SchedulerRuns.WithLabelValues("stock", "run")); got != 2 {
		t.Errorf("expected 2 stock runs, got %v", got)
	}
}

func TestRunOnce_PropagatesError(t *testing.T) {
	checker := &countingChecker{err: errors.New("db down")}
	s, err := New(Config{}, checker, nil, nil, quietLog())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, _, err := s.RunOnce(context.Background(), model.AlertWeather, false); err == nil {
		t.Error("expected error from checker")
	}
}

func TestNew_Specs(t *testing.T) {
	s, err := New(Config{Specs: map[model.AlertType]string{model.AlertWebsite: "-", model.AlertCrypto: "*/2 * * * *"}},
		&countingChecker{}, nil, nil, quietLog())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Jobs() != 4 {
		t.Errorf("expected 4 jobs with website disabled, got %d", s.Jobs())
	}

	if _, err := New(Config{Specs: map[model.AlertType]string{model.AlertStock: "every five minutes"}},
		&countingChecker{}, nil, nil, quietLog()); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestScheduler_FiresJobs(t *testing.T) {
	checker := &countingChecker{}
	specs := map[model.AlertType]string{}
	for _, info := range model.AlertTypes() {
		specs[info.Slug] = "-"
	}
	specs[model.AlertCrypto] = "@every 1s"

	s, err := New(Config{Specs: specs}, checker, nil, nil, quietLog())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		checker.mu.Lock()
		n := checker.calls[model.AlertCrypto]
		checker.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	<-s.Stop().Done()

	checker.mu.Lock()
	defer checker.mu.Unlock()
	if checker.calls[model.AlertCrypto] == 0 {
		t.Error("expected the crypto job to fire")
	}
}
