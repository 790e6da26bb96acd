package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Remote is a shared second-level cache (Redis in production).
type Remote interface {
	// GetRaw returns the stored bytes and their remaining TTL. ok=false on miss.
	GetRaw(ctx context.Context, key string) (data []byte, ttl time.Duration, ok bool, err error)
	SetRaw(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Tiered reads the local TTL cache first, then the remote tier, and writes
// through to both. Remote errors degrade to local-only behaviour.
type Tiered struct {
	local  *TTL
	remote Remote
	log    *slog.Logger
}

// NewTiered creates a two-level cache. remote may be nil.
func NewTiered(local *TTL, remote Remote, log *slog.Logger) *Tiered {
	if log == nil {
		log = slog.Default()
	}
	return &Tiered{local: local, remote: remote, log: log}
}

func (t *Tiered) Get(ctx context.Context, key string) (map[string]any, bool) {
	if v, ok := t.local.Get(ctx, key); ok {
		return v, true
	}
	if t.remote == nil {
		return nil, false
	}
	raw, ttl, ok, err := t.remote.GetRaw(ctx, key)
	if err != nil {
		t.log.Debug("remote cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.log.Warn("remote cache entry undecodable", "key", key, "error", err)
		return nil, false
	}
	t.local.Set(ctx, key, v, ttl)
	return v, true
}

func (t *Tiered) Set(ctx context.Context, key string, v map[string]any, ttl time.Duration) {
	t.local.Set(ctx, key, v, ttl)
	if t.remote == nil || ttl <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		t.log.Warn("cache value not serializable", "key", key, "error", err)
		return
	}
	if err := t.remote.SetRaw(ctx, key, raw, ttl); err != nil {
		t.log.Debug("remote cache set failed", "key", key, "error", err)
	}
}
