// Package datasource fetches current real-world data for an alert target.
// Each adapter tries its providers in priority order, caches successful
// results per target, and returns a flat key→value map for the evaluator.
package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"pulsewatch/internal/breaker"
	"pulsewatch/internal/cache"
)

// Data is the flat map handed to the condition evaluator and formatter.
type Data = map[string]any

// Adapter fetches current data for a target. A nil map with a non-nil error
// is a failed fetch.
type Adapter interface {
	Fetch(ctx context.Context, target string) (Data, error)
}

// SourceMock tags synthetic fallback data.
const SourceMock = "mock"

var (
	// ErrNotConfigured means a provider has no credentials and was skipped.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrUnmapped means the provider does not know the requested asset.
	ErrUnmapped = errors.New("asset not supported by provider")
	// ErrNoData means the provider answered without usable data.
	ErrNoData = errors.New("provider returned no data")
)

const defaultProviderTimeout = 10 * time.Second

// Options carries the collaborators shared by every adapter.
type Options struct {
	Cache  cache.Store  // process-wide per-target cache; nil disables caching
	Client *http.Client // nil gets a 10s timeout client
	Log    *slog.Logger
	Now    func() time.Time

	// RatePerMinute bounds calls to each upstream provider. 0 disables limiting.
	RatePerMinute int

	// OnFetch is called after each provider attempt (optional).
	OnFetch func(adapter, provider string, err error)

	// OnBreakerChange is called when a provider breaker changes state (optional).
	OnBreakerChange func(name string, from, to breaker.State)
}

func (o Options) withDefaults() Options {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: defaultProviderTimeout}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// provider is one upstream in a fallback chain.
type provider struct {
	name    string
	fetch   func(ctx context.Context, target string) (Data, error)
	limiter *rate.Limiter
	breaker *breaker.Breaker
}

func newProvider(name string, perMinute int, fetch func(ctx context.Context, target string) (Data, error)) provider {
	p := provider{name: name, fetch: fetch, breaker: breaker.New(name, 5, time.Minute)}
	p.breaker.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, ErrNotConfigured) && !errors.Is(err, ErrUnmapped)
	}
	if perMinute > 0 {
		p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return p
}

// instrument attaches the options' breaker hook to each provider.
func instrument(opts Options, ps ...provider) []provider {
	if opts.OnBreakerChange != nil {
		for _, p := range ps {
			p.breaker.OnStateChange = opts.OnBreakerChange
		}
	}
	return ps
}

func (p provider) call(ctx context.Context, target string) (Data, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	var d Data
	err := p.breaker.Execute(func() error {
		var err error
		d, err = p.fetch(ctx, target)
		if err == nil && len(d) == 0 {
			err = ErrNoData
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// chain tries providers in order and returns the first usable result. The
// returned error aggregates every provider failure.
func chain(ctx context.Context, opts Options, adapter, target string, providers []provider) (Data, error) {
	var errs error
	for _, p := range providers {
		d, err := p.call(ctx, target)
		if opts.OnFetch != nil {
			opts.OnFetch(adapter, p.name, err)
		}
		if err == nil {
			if _, ok := d["source"]; !ok {
				d["source"] = p.name
			}
			return d, nil
		}
		opts.Log.Debug("provider failed", "adapter", adapter, "provider", p.name, "target", target, "error", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.name, err))
	}
	if errs == nil {
		errs = ErrNoData
	}
	return nil, errs
}

func cached(ctx context.Context, c cache.Store, key string) (Data, bool) {
	if c == nil {
		return nil, false
	}
	return c.Get(ctx, key)
}

func store(ctx context.Context, c cache.Store, key string, d Data, ttl time.Duration) {
	if c == nil || d == nil {
		return
	}
	c.Set(ctx, key, d, ttl)
}

// StatusError is a non-2xx provider reply. Body holds at most 4KiB.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// getJSON performs a GET and decodes a JSON body into out. Non-2xx is an error.
func getJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: body}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
