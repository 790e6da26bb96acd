// Package monitor finds due alerts of each type, checks them against live
// data and triggers notifications. Scheduled and manual checks share the
// same per-alert cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"pulsewatch/internal/datasource"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/model"
	"pulsewatch/internal/queue"
)

// Monitor checks the alerts of one type.
type Monitor struct {
	Type    model.AlertType
	adapter datasource.Adapter
	format  Formatter
	deps    Deps
}

// New creates a monitor composing a data source adapter and a formatter.
func New(t model.AlertType, adapter datasource.Adapter, format Formatter, deps Deps) *Monitor {
	return &Monitor{Type: t, adapter: adapter, format: format, deps: deps.withDefaults()}
}

// Summary aggregates one CheckAlerts run.
type Summary struct {
	Type     model.AlertType `json:"alert_type"`
	Checked  int             `json:"checked"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Duration time.Duration   `json:"duration"`
}

// Triggered returns the number of alerts that fired.
func (s Summary) Triggered() int { return s.Outcomes[OutcomeTriggered] }

// CheckAlerts processes every due active alert of the monitor's type. A
// failing alert never aborts the batch.
func (m *Monitor) CheckAlerts(ctx context.Context) (Summary, error) {
	ctx = logger.EnsureTraceID(ctx, string(m.Type))
	start := m.deps.Now()
	sum := Summary{Type: m.Type, Outcomes: make(map[Outcome]int)}

	alerts, err := m.deps.Alerts.DueAlerts(ctx, m.Type, start)
	if err != nil {
		return sum, fmt.Errorf("monitor %s: load due alerts: %w", m.Type, err)
	}
	for _, a := range alerts {
		if ctx.Err() != nil {
			break
		}
		res := m.ProcessAlert(ctx, a)
		sum.Checked++
		sum.Outcomes[res.Outcome]++
	}
	sum.Duration = m.deps.Now().Sub(start)

	m.deps.Log.Info("check run finished",
		append([]any{
			"alert_type", m.Type,
			"checked", sum.Checked,
			"triggered", sum.Triggered(),
			"duration_ms", sum.Duration.Milliseconds(),
		}, logger.LogWithTrace(ctx)...)...,
	)
	return sum, nil
}

// ProcessAlert runs the alert cycle for one alert. Panics are recovered and
// reported as OutcomeError.
func (m *Monitor) ProcessAlert(ctx context.Context, a *model.PersonalAlert) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.deps.Log.Error("alert processing panicked",
				"alert_id", a.ID, "panic", r, "stack", string(debug.Stack()))
			res = Result{AlertID: a.ID, Type: a.Type, Outcome: OutcomeError, Error: fmt.Sprintf("panic: %v", r)}
		}
		m.deps.Metrics.ObserveCheck(string(m.Type), string(res.Outcome), time.Since(start))
	}()

	if a.Type != m.Type {
		return Result{AlertID: a.ID, Type: a.Type, Outcome: OutcomeError,
			Error: fmt.Sprintf("alert type %s routed to %s monitor", a.Type, m.Type)}
	}
	return runAlertCycle(ctx, m.deps, m.adapter, m.format, a)
}

// ErrUnknownType is returned for alert types without a monitor.
var ErrUnknownType = errors.New("monitor: unknown alert type")

// Registry holds one monitor per alert type and serves manual checks.
type Registry struct {
	monitors map[model.AlertType]*Monitor
	deps     Deps
}

// NewRegistry builds a monitor for every catalog type. Every type needs an
// adapter; formatters default to Formatters.
func NewRegistry(adapters map[model.AlertType]datasource.Adapter, deps Deps) (*Registry, error) {
	deps = deps.withDefaults()
	r := &Registry{monitors: make(map[model.AlertType]*Monitor), deps: deps}
	for _, info := range model.AlertTypes() {
		ad, ok := adapters[info.Slug]
		if !ok || ad == nil {
			return nil, fmt.Errorf("monitor: no adapter for %s", info.Slug)
		}
		r.monitors[info.Slug] = New(info.Slug, ad, Formatters[info.Slug], deps)
	}
	return r, nil
}

// Monitor returns the monitor of t.
func (r *Registry) Monitor(t model.AlertType) (*Monitor, bool) {
	m, ok := r.monitors[t]
	return m, ok
}

// Types lists registered types in catalog order.
func (r *Registry) Types() []model.AlertType {
	out := make([]model.AlertType, 0, len(r.monitors))
	for t := range r.monitors {
		out = append(out, t)
	}
	order := make(map[model.AlertType]int)
	for i, info := range model.AlertTypes() {
		order[info.Slug] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

// CheckType runs CheckAlerts for one type.
func (r *Registry) CheckType(ctx context.Context, t model.AlertType) (Summary, error) {
	m, ok := r.monitors[t]
	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return m.CheckAlerts(ctx)
}

// CheckAlert processes a single alert by id through its type's monitor.
func (r *Registry) CheckAlert(ctx context.Context, id int64) (Result, error) {
	a, err := r.deps.Alerts.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("load alert %d: %w", id, err)
	}
	m, ok := r.monitors[a.Type]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownType, a.Type)
	}
	return m.ProcessAlert(logger.EnsureTraceID(ctx, "alert"), a), nil
}

// CheckUser processes every active alert of a user.
func (r *Registry) CheckUser(ctx context.Context, userID string) ([]Result, error) {
	alerts, err := r.deps.Alerts.ActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load alerts of user %s: %w", userID, err)
	}
	ctx = logger.EnsureTraceID(ctx, "user")
	out := make([]Result, 0, len(alerts))
	for _, a := range alerts {
		m, ok := r.monitors[a.Type]
		if !ok {
			out = append(out, Result{AlertID: a.ID, Type: a.Type, Outcome: OutcomeError, Error: ErrUnknownType.Error()})
			continue
		}
		out = append(out, m.ProcessAlert(ctx, a))
	}
	return out, nil
}

// HandleJob executes an async check job. It satisfies queue.Handler.
func (r *Registry) HandleJob(ctx context.Context, job queue.Job) error {
	var err error
	switch job.Kind {
	case queue.KindAlert:
		_, err = r.CheckAlert(ctx, job.AlertID)
	case queue.KindUser:
		_, err = r.CheckUser(ctx, job.UserID)
	case queue.KindType:
		_, err = r.CheckType(ctx, job.AlertType)
	default:
		err = job.Validate()
	}
	r.deps.Metrics.ObserveJob(string(job.Kind), err)
	return err
}
