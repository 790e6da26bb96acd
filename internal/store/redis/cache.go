package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pulsewatch/internal/breaker"
)

// Cache is the shared adapter-cache tier. Calls go through a circuit breaker
// so an unreachable Redis costs one fast rejection instead of a timeout per lookup.
type Cache struct {
	c       *Client
	breaker *breaker.Breaker
}

// NewCache creates a cache tier on c guarded by cb (may be nil).
func NewCache(c *Client, cb *breaker.Breaker) *Cache {
	if cb == nil {
		cb = breaker.New("redis-cache", 5, 10*time.Second)
	}
	cb.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, goredis.Nil)
	}
	return &Cache{c: c, breaker: cb}
}

// Breaker exposes the guard for metrics wiring.
func (rc *Cache) Breaker() *breaker.Breaker { return rc.breaker }

// GetRaw returns the cached bytes and their remaining TTL.
func (rc *Cache) GetRaw(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	var (
		data []byte
		ttl  time.Duration
	)
	err := rc.breaker.Execute(func() error {
		pipe := rc.c.rdb.Pipeline()
		get := pipe.Get(ctx, rc.c.key("cache:"+key))
		pttl := pipe.PTTL(ctx, rc.c.key("cache:"+key))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		b, err := get.Bytes()
		if err != nil {
			return err
		}
		data, ttl = b, pttl.Val()
		return nil
	})
	if errors.Is(err, goredis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if ttl <= 0 {
		return nil, 0, false, nil
	}
	return data, ttl, true, nil
}

// SetRaw stores data with ttl.
func (rc *Cache) SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return rc.breaker.Execute(func() error {
		return rc.c.rdb.Set(ctx, rc.c.key("cache:"+key), data, ttl).Err()
	})
}
