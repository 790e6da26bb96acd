package monitor

import (
	"context"
	"log/slog"
	"time"

	"pulsewatch/internal/condition"
	"pulsewatch/internal/datasource"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/metrics"
	"pulsewatch/internal/model"
)

// Outcome is how one processing attempt of an alert ended.
type Outcome string

const (
	OutcomeSkippedInactive Outcome = "skipped_inactive"
	OutcomeThrottled       Outcome = "throttled"
	OutcomeFetchFailed     Outcome = "fetch_failed"
	OutcomeNoMatch         Outcome = "no_match"
	OutcomeTriggered       Outcome = "triggered"
	OutcomeDeactivated     Outcome = "deactivated"
	OutcomeRaceLost        Outcome = "race_lost"
	OutcomeError           Outcome = "error"
)

// Result describes one processed alert.
type Result struct {
	AlertID   int64                `json:"alert_id"`
	Type      model.AlertType      `json:"alert_type"`
	Outcome   Outcome              `json:"outcome"`
	HistoryID string               `json:"history_id,omitempty"`
	Delivery  model.DeliveryStatus `json:"delivery_status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Dispatcher fans a rendered message out to the alert's channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, user *model.User, names []model.ChannelName, msg string,
		alert *model.PersonalAlert, data map[string]any) model.DeliveryStatus
}

// TriggerEvent is published after a trigger's delivery status is recorded.
type TriggerEvent struct {
	AlertID        int64                `json:"alert_id"`
	UserID         string               `json:"user_id"`
	Type           model.AlertType      `json:"alert_type"`
	Name           string               `json:"name,omitempty"`
	Asset          string               `json:"asset"`
	HistoryID      string               `json:"history_id,omitempty"`
	Message        string               `json:"message"`
	DeliveryStatus model.DeliveryStatus `json:"delivery_status"`
	TriggeredAt    time.Time            `json:"triggered_at"`
}

// Publisher receives trigger events.
type Publisher interface {
	Publish(ctx context.Context, ev TriggerEvent)
}

// Deps are the collaborators shared by every monitor.
type Deps struct {
	Alerts     model.AlertStore
	History    model.HistoryStore
	Users      model.UserStore
	Dispatcher Dispatcher
	Events     Publisher        // optional
	Metrics    *metrics.Metrics // optional
	Log        *slog.Logger
	Now        func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// runAlertCycle processes one alert: throttle check, stamp last_checked_at,
// fetch, evaluate, then trigger. Each step runs only if the previous one
// allows it. a is updated in place to mirror what was persisted.
func runAlertCycle(ctx context.Context, deps Deps, adapter datasource.Adapter, format Formatter, a *model.PersonalAlert) Result {
	res := Result{AlertID: a.ID, Type: a.Type}
	log := deps.Log.With(append([]any{"alert_id", a.ID, "alert_type", a.Type}, logger.LogWithTrace(ctx)...)...)

	if !a.IsActive {
		res.Outcome = OutcomeSkippedInactive
		return res
	}
	now := deps.Now()
	if !a.Due(now) {
		res.Outcome = OutcomeThrottled
		return res
	}

	// Stamped before the fetch so a failing provider waits out check_frequency.
	if err := deps.Alerts.MarkChecked(ctx, a.ID, now); err != nil {
		log.Error("mark checked failed", "error", err)
		return failed(res, err)
	}
	a.LastCheckedAt = &now

	data, err := adapter.Fetch(ctx, a.Asset)
	if err != nil || data == nil {
		log.Warn("fetch failed", "asset", a.Asset, "error", err)
		res.Outcome = OutcomeFetchFailed
		if err != nil {
			res.Error = err.Error()
		}
		return res
	}

	if !condition.Matches(a.Condition, data) {
		log.Debug("condition not met", "condition", a.Condition.String())
		res.Outcome = OutcomeNoMatch
		return res
	}

	return trigger(ctx, deps, log, format, a, data, now, res)
}

func trigger(ctx context.Context, deps Deps, log *slog.Logger, format Formatter, a *model.PersonalAlert,
	data map[string]any, now time.Time, res Result) Result {

	if !a.IsRecurring && a.TriggerCount > 0 {
		if err := deps.Alerts.Deactivate(ctx, a.ID); err != nil {
			log.Error("deactivate failed", "error", err)
			return failed(res, err)
		}
		a.IsActive = false
		log.Info("one-time alert already fired, deactivated")
		res.Outcome = OutcomeDeactivated
		return res
	}

	won, err := deps.Alerts.RecordTrigger(ctx, a.ID, a.TriggerCount, now, !a.IsRecurring)
	if err != nil {
		log.Error("record trigger failed", "error", err)
		return failed(res, err)
	}
	if !won {
		log.Info("trigger claimed by another checker")
		res.Outcome = OutcomeRaceLost
		return res
	}
	a.TriggerCount++
	a.LastTriggeredAt = &now
	if !a.IsRecurring {
		a.IsActive = false
	}

	h := &model.AlertHistory{
		AlertID:     a.ID,
		UserID:      a.UserID,
		Conditions:  a.Condition,
		Data:        data,
		TriggeredAt: now,
	}
	if err := deps.History.Create(ctx, h); err != nil {
		log.Error("create history failed", "error", err)
		h.ID = ""
	}

	msg := format(a, data, now)

	var status model.DeliveryStatus
	user, err := deps.Users.Get(ctx, a.UserID)
	if err != nil {
		log.Error("load user failed", "user_id", a.UserID, "error", err)
		status = make(model.DeliveryStatus, len(a.Channels))
		for _, name := range a.Channels {
			status[name] = model.DeliveryResult{Error: "user unavailable"}
		}
	} else {
		status = deps.Dispatcher.Dispatch(ctx, user, a.Channels, msg, a, data)
	}

	if h.ID != "" {
		if err := deps.History.AttachDelivery(ctx, h.ID, msg, status); err != nil {
			log.Error("attach delivery failed", "history_id", h.ID, "error", err)
		}
	}

	log.Info("alert triggered",
		"asset", a.Asset,
		"condition", a.Condition.String(),
		"trigger_count", a.TriggerCount,
		"delivered", status.Delivered(),
	)

	if deps.Events != nil {
		deps.Events.Publish(ctx, TriggerEvent{
			AlertID:        a.ID,
			UserID:         a.UserID,
			Type:           a.Type,
			Name:           a.Name,
			Asset:          a.Asset,
			HistoryID:      h.ID,
			Message:        msg,
			DeliveryStatus: status,
			TriggeredAt:    now,
		})
	}

	res.Outcome = OutcomeTriggered
	res.HistoryID = h.ID
	res.Delivery = status
	return res
}

func failed(res Result, err error) Result {
	res.Outcome = OutcomeError
	res.Error = err.Error()
	return res
}
