package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pulsewatch/internal/breaker"
)

// unreachable returns a client pointed at a closed port without retries.
func unreachable() *Client {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	return NewFromClient(rdb, "")
}

func TestNewFromClient_DefaultPrefix(t *testing.T) {
	c := unreachable()
	defer c.Close()
	if got := c.key("checks"); got != "pulsewatch:checks" {
		t.Errorf("expected pulsewatch:checks, got %q", got)
	}
}

func TestCache_BreakerOpensWhenRedisDown(t *testing.T) {
	c := unreachable()
	defer c.Close()
	cache := NewCache(c, breaker.New("redis-cache", 2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, ok, err := cache.GetRaw(ctx, "crypto:BTC"); err == nil || ok {
			t.Fatalf("expected connection error, got ok=%v err=%v", ok, err)
		}
	}
	if cache.Breaker().CurrentState() != breaker.StateOpen {
		t.Fatalf("expected breaker open, got %v", cache.Breaker().CurrentState())
	}
	err := cache.SetRaw(ctx, "crypto:BTC", []byte("{}"), time.Minute)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("expected ErrOpen while open, got %v", err)
	}
}
