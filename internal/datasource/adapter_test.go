package datasource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"
)

var fixedNow = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

// mapStore is a TTL-less cache used to observe adapter caching.
type mapStore struct {
	mu   sync.Mutex
	m    map[string]map[string]any
	ttls map[string]time.Duration
}

func newMapStore() *mapStore {
	return &mapStore{m: map[string]map[string]any{}, ttls: map[string]time.Duration{}}
}

func (s *mapStore) Get(_ context.Context, key string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out, true
}

func (s *mapStore) Set(_ context.Context, key string, v map[string]any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(v))
	for k, x := range v {
		out[k] = x
	}
	s.m[key] = out
	s.ttls[key] = ttl
}

func (s *mapStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *mapStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

func testOptions(c *mapStore) Options {
	opts := Options{
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now: func() time.Time { return fixedNow },
	}
	if c != nil {
		opts.Cache = c
	}
	return opts
}

func TestChain_FirstSuccessWins(t *testing.T) {
	var calls []string
	mk := func(name string, d Data, err error) provider {
		return newProvider(name, 0, func(context.Context, string) (Data, error) {
			calls = append(calls, name)
			return d, err
		})
	}
	opts := testOptions(nil).withDefaults()
	var attempts []string
	opts.OnFetch = func(adapter, p string, err error) { attempts = append(attempts, p) }

	d, err := chain(context.Background(), opts, "test", "x", []provider{
		mk("a", nil, errors.New("down")),
		mk("b", Data{"price": 1.0}, nil),
		mk("c", Data{"price": 2.0}, nil),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d["price"] != 1.0 || d["source"] != "b" {
		t.Errorf("expected provider b result, got %v", d)
	}
	if len(calls) != 2 {
		t.Errorf("expected 2 provider calls, got %v", calls)
	}
	if len(attempts) != 2 {
		t.Errorf("expected OnFetch per attempt, got %v", attempts)
	}
}

func TestChain_AggregatesErrors(t *testing.T) {
	fail := func(name string, err error) provider {
		return newProvider(name, 0, func(context.Context, string) (Data, error) { return nil, err })
	}
	_, err := chain(context.Background(), testOptions(nil).withDefaults(), "test", "x", []provider{
		fail("a", errors.New("boom")),
		fail("b", ErrNotConfigured),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("expected 2 aggregated errors, got %d: %v", n, err)
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured in chain, got %v", err)
	}
}

func TestProvider_EmptyResultIsNoData(t *testing.T) {
	p := newProvider("empty", 0, func(context.Context, string) (Data, error) { return Data{}, nil })
	if _, err := p.call(context.Background(), "x"); !errors.Is(err, ErrNoData) {
		t.Errorf("expected ErrNoData, got %v", err)
	}
}

func TestProvider_NotConfiguredDoesNotTripBreaker(t *testing.T) {
	p := newProvider("nokey", 0, func(context.Context, string) (Data, error) { return nil, ErrNotConfigured })
	for i := 0; i < 10; i++ {
		if _, err := p.call(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("call %d: expected ErrNotConfigured, got %v", i, err)
		}
	}
}
