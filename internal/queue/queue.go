// Package queue runs manual alert checks asynchronously. Jobs route through
// the same monitor logic as scheduled checks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pulsewatch/internal/logger"
	"pulsewatch/internal/model"
)

// Kind selects what a job checks.
type Kind string

const (
	KindAlert Kind = "alert" // one alert by id
	KindUser  Kind = "user"  // every active alert of a user
	KindType  Kind = "type"  // every due alert of a type
)

// Job is one unit of asynchronous check work.
type Job struct {
	Kind       Kind            `json:"kind"`
	AlertID    int64           `json:"alert_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	AlertType  model.AlertType `json:"alert_type,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Validate rejects jobs missing the target for their kind.
func (j Job) Validate() error {
	switch j.Kind {
	case KindAlert:
		if j.AlertID <= 0 {
			return errors.New("queue: alert job without alert id")
		}
	case KindUser:
		if j.UserID == "" {
			return errors.New("queue: user job without user id")
		}
	case KindType:
		if _, err := model.ParseAlertType(string(j.AlertType)); err != nil {
			return fmt.Errorf("queue: %w", err)
		}
	default:
		return fmt.Errorf("queue: unknown job kind %q", j.Kind)
	}
	return nil
}

// ErrFull is returned when an in-memory queue cannot accept more jobs.
var ErrFull = errors.New("queue: full")

// Queue is a FIFO of check jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
}

// Memory is an in-process queue used when Redis is unavailable.
type Memory struct {
	ch chan Job
}

// NewMemory creates a queue buffering up to size jobs.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{ch: make(chan Job, size)}
}

func (m *Memory) Enqueue(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	select {
	case m.ch <- job:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case job := <-m.ch:
		return job, nil
	}
}

// Handler executes one job.
type Handler func(ctx context.Context, job Job) error

// Worker drains a queue sequentially.
type Worker struct {
	q       Queue
	handle  Handler
	log     *slog.Logger
	backoff time.Duration

	// OnDone is called after each job (optional).
	OnDone func(job Job, err error)
}

// NewWorker creates a worker for q.
func NewWorker(q Queue, h Handler, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{q: q, handle: h, log: log, backoff: time.Second}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
			continue
		}
		w.run(ctx, job)
	}
}

func (w *Worker) run(ctx context.Context, job Job) {
	if job.TraceID != "" {
		ctx = logger.WithTraceID(ctx, job.TraceID)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("queue: job panicked: %v", r)
			}
		}()
		return w.handle(ctx, job)
	}()

	attrs := append([]any{"kind", job.Kind, "alert_id", job.AlertID, "user_id", job.UserID}, logger.LogWithTrace(ctx)...)
	if err != nil {
		w.log.Error("check job failed", append(attrs, "error", err)...)
	} else {
		w.log.Info("check job done", attrs...)
	}
	if w.OnDone != nil {
		w.OnDone(job, err)
	}
}
