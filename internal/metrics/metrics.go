package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the alert engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	ChecksTotal   *prometheus.CounterVec   // labels: type, outcome
	CheckDuration *prometheus.HistogramVec // labels: type
	TriggersTotal *prometheus.CounterVec   // labels: type

	// Provider calls
	ProviderRequests *prometheus.CounterVec // labels: adapter, provider, result
	MockFallbacks    *prometheus.CounterVec // labels: adapter

	// Delivery
	DeliveriesTotal *prometheus.CounterVec // labels: channel, outcome=success|failed|skipped

	// Cache
	CacheLookups *prometheus.CounterVec // labels: result=hit|miss

	// Circuit breakers
	BreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips *prometheus.CounterVec // labels: name

	// Async checks and scheduler
	QueueJobs     *prometheus.CounterVec // labels: kind, result=ok|error
	SchedulerRuns *prometheus.CounterVec // labels: type, result=run|skipped

	// Websocket feed
	WSClients prometheus.Gauge
	WSDrops   prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_checks_total",
			Help: "Alert processing attempts by type and outcome",
		}, []string{"type", "outcome"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulsewatch_check_duration_seconds",
			Help:    "Time to process one alert, fetch and delivery included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_triggers_total",
			Help: "Alerts triggered by type",
		}, []string{"type"}),

		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_provider_requests_total",
			Help: "Upstream data provider attempts by result",
		}, []string{"adapter", "provider", "result"}),
		MockFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_mock_fallbacks_total",
			Help: "Synthetic data returned because every provider failed",
		}, []string{"adapter"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_deliveries_total",
			Help: "Notification channel attempts by outcome",
		}, []string{"channel", "outcome"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_cache_lookups_total",
			Help: "Data source cache lookups by result",
		}, []string{"result"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulsewatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),

		QueueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_queue_jobs_total",
			Help: "Async check jobs processed by kind and result",
		}, []string{"kind", "result"}),
		SchedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsewatch_scheduler_runs_total",
			Help: "Scheduled check runs by type, including market-hours skips",
		}, []string{"type", "result"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulsewatch_ws_clients",
			Help: "Connected trigger feed clients",
		}),
		WSDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulsewatch_ws_drops_total",
			Help: "Trigger events dropped for slow websocket clients",
		}),
	}

	reg.MustRegister(
		m.ChecksTotal,
		m.CheckDuration,
		m.TriggersTotal,
		m.ProviderRequests,
		m.MockFallbacks,
		m.DeliveriesTotal,
		m.CacheLookups,
		m.BreakerState,
		m.BreakerTrips,
		m.QueueJobs,
		m.SchedulerRuns,
		m.WSClients,
		m.WSDrops,
	)

	return m
}

// ObserveCheck records one processed alert.
func (m *Metrics) ObserveCheck(alertType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(alertType, outcome).Inc()
	m.CheckDuration.WithLabelValues(alertType).Observe(d.Seconds())
	if outcome == "triggered" {
		m.TriggersTotal.WithLabelValues(alertType).Inc()
	}
}

// ObserveProvider records one upstream attempt.
func (m *Metrics) ObserveProvider(adapter, provider string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderRequests.WithLabelValues(adapter, provider, result).Inc()
}

// ObserveDelivery records one channel outcome.
func (m *Metrics) ObserveDelivery(channel string, success, skipped bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	switch {
	case skipped:
		outcome = "skipped"
	case success:
		outcome = "success"
	}
	m.DeliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// ObserveBreaker records a breaker transition. States follow the breaker
// package numbering.
func (m *Metrics) ObserveBreaker(name string, to int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(to))
	if to == 1 {
		m.BreakerTrips.WithLabelValues(name).Inc()
	}
}

// ObserveJob records a finished async check job.
func (m *Metrics) ObserveJob(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.QueueJobs.WithLabelValues(kind, result).Inc()
}

// ObserveSchedulerRun records a cron tick; skipped is true for market-hours gating.
func (m *Metrics) ObserveSchedulerRun(alertType string, skipped bool) {
	if m == nil {
		return
	}
	result := "run"
	if skipped {
		result = "skipped"
	}
	m.SchedulerRuns.WithLabelValues(alertType, result).Inc()
}

// SetWSClients records the number of connected websocket clients.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

// ObserveWSDrop counts an event dropped for a slow websocket client.
func (m *Metrics) ObserveWSDrop() {
	if m == nil {
		return
	}
	m.WSDrops.Inc()
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisEnabled   bool `json:"redis_enabled"`
	RedisConnected bool `json:"redis_connected"`
	DBOK           bool `json:"db_ok"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	DBLatencyMs    float64   `json:"db_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	// Last finished run per alert type
	LastRuns map[string]time.Time `json:"last_runs"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		LastRuns:  make(map[string]time.Time),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetDBOK(v bool) {
	h.mu.Lock()
	h.DBOK = v
	h.mu.Unlock()
}

// MarkRun records a finished check run for an alert type.
func (h *HealthStatus) MarkRun(alertType string, at time.Time) {
	h.mu.Lock()
	h.LastRuns[alertType] = at
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDB pings the database and records latency + health.
func (h *HealthStatus) CheckDB(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DBOK = err == nil
	h.DBLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Probe runs one round of dependency checks. rdb may be nil.
func (h *HealthStatus) Probe(ctx context.Context, rdb *goredis.Client, db *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if db != nil {
		h.CheckDB(probeCtx, db)
	}
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	h.Probe(ctx, rdb, db)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Probe(ctx, rdb, db)
			}
		}
	}()
}

// Report is the JSON health document.
type Report struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	DBOK           bool              `json:"db_ok"`
	DBLatencyMs    float64           `json:"db_latency_ms"`
	RedisEnabled   bool              `json:"redis_enabled"`
	RedisConnected bool              `json:"redis_connected"`
	RedisLatencyMs float64           `json:"redis_latency_ms"`
	LastCheckAt    string            `json:"last_check_at"`
	LastRuns       map[string]string `json:"last_runs"`
}

// Report builds the health document and the matching HTTP status code.
// The database is required; Redis only degrades the service when enabled.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	switch {
	case !h.DBOK:
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	case h.RedisEnabled && !h.RedisConnected:
		overallStatus = "degraded"
	}

	runs := make(map[string]string, len(h.LastRuns))
	for t, at := range h.LastRuns {
		runs[t] = at.UTC().Format(time.RFC3339)
	}

	return Report{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		DBOK:           h.DBOK,
		DBLatencyMs:    h.DBLatencyMs,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
		LastRuns:       runs,
	}, httpCode
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, httpCode := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
