// Package cache provides the process-wide per-target cache shared by all
// data source adapters. Entries may be evicted or missed at any time; a miss
// only costs a re-fetch.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const defaultSize = 4096

// Store is the cache surface adapters depend on.
type Store interface {
	Get(ctx context.Context, key string) (map[string]any, bool)
	Set(ctx context.Context, key string, v map[string]any, ttl time.Duration)
}

type entry struct {
	value   map[string]any
	expires time.Time
}

// TTL is an in-memory LRU bounded cache with per-entry expiry.
// Safe for concurrent use.
type TTL struct {
	lru *lru.Cache
	now func() time.Time

	// OnLookup is called after every Get (optional).
	OnLookup func(hit bool)
}

// NewTTL creates a cache holding at most size entries.
func NewTTL(size int) *TTL {
	if size <= 0 {
		size = defaultSize
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &TTL{lru: c, now: time.Now}
}

// Get returns a copy of the cached map when present and not expired.
func (c *TTL) Get(_ context.Context, key string) (map[string]any, bool) {
	v, ok := c.lookup(key)
	if c.OnLookup != nil {
		c.OnLookup(ok)
	}
	return v, ok
}

func (c *TTL) lookup(key string) (map[string]any, bool) {
	raw, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e := raw.(entry)
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return clone(e.value), true
}

// Set stores v for ttl. Non-positive ttl is ignored.
func (c *TTL) Set(_ context.Context, key string, v map[string]any, ttl time.Duration) {
	if ttl <= 0 || v == nil {
		return
	}
	c.lru.Add(key, entry{value: clone(v), expires: c.now().Add(ttl)})
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *TTL) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *TTL) Purge() { c.lru.Purge() }

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
