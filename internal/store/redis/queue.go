package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pulsewatch/internal/queue"
)

const queuePollTimeout = 5 * time.Second

// Queue is a Redis list backed check-job queue shared across processes.
type Queue struct {
	c    *Client
	name string
}

// NewQueue creates a queue on the list "<prefix>checks".
func NewQueue(c *Client) *Queue {
	return &Queue{c: c, name: c.key("checks")}
}

// Enqueue appends a job.
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis queue: encode: %w", err)
	}
	if err := q.c.rdb.RPush(ctx, q.name, b).Err(); err != nil {
		return fmt.Errorf("redis queue: push: %w", err)
	}
	return nil
}

// Dequeue blocks until a job arrives or ctx is done. Malformed entries are dropped.
func (q *Queue) Dequeue(ctx context.Context) (queue.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return queue.Job{}, err
		}
		res, err := q.c.rdb.BLPop(ctx, queuePollTimeout, q.name).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return queue.Job{}, fmt.Errorf("redis queue: pop: %w", err)
		}
		if len(res) != 2 {
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			continue
		}
		return job, nil
	}
}

// Len returns the number of pending jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.c.rdb.LLen(ctx, q.name).Result()
}
