package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	websiteTimeout      = 30 * time.Second
	websiteMaxRedirects = 10
	websiteUserAgent    = "pulsewatch-uptime/1.0"
)

// Website probes a URL. It has no cache and never returns an error: every
// failure is reported through is_online=false and the error field.
type Website struct {
	client *http.Client
	now    func() time.Time
}

// NewWebsite creates the uptime adapter. opts.Client is ignored because the
// probe needs its own timeout and redirect policy.
func NewWebsite(opts Options) *Website {
	opts = opts.withDefaults()
	return &Website{
		client: &http.Client{Timeout: websiteTimeout},
		now:    opts.Now,
	}
}

type redirectCounter struct{ n int }

func (w *Website) Fetch(ctx context.Context, target string) (Data, error) {
	u := NormalizeURL(target)
	checkedAt := w.now()
	d := Data{
		"url":            u,
		"final_url":      u,
		"status_code":    0,
		"response_time":  0.0,
		"is_online":      false,
		"is_up":          false,
		"is_down":        true,
		"error":          nil,
		"redirect_count": 0,
		"checked_at":     timestamp(checkedAt),
	}

	rc := &redirectCounter{}
	client := *w.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		rc.n = len(via)
		if len(via) >= websiteMaxRedirects {
			return fmt.Errorf("stopped after %d redirects", websiteMaxRedirects)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		d["error"] = err.Error()
		return d, nil
	}
	req.Header.Set("User-Agent", websiteUserAgent)

	started := time.Now()
	resp, err := client.Do(req)
	d["response_time"] = float64(time.Since(started).Milliseconds())
	d["redirect_count"] = rc.n
	if err != nil {
		d["error"] = probeError(err)
		return d, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	online := resp.StatusCode < 400
	d["status_code"] = resp.StatusCode
	d["final_url"] = resp.Request.URL.String()
	d["is_online"] = online
	d["is_up"] = online
	d["is_down"] = !online
	if !online {
		d["error"] = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return d, nil
}

// NormalizeURL trims target and prefixes https:// when no scheme is given.
func NormalizeURL(target string) string {
	s := strings.TrimSpace(target)
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "https://" + s
	}
	return s
}

func probeError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "timeout"
	}
	return err.Error()
}
