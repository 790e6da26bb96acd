package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// response is a provider HTTP reply.
type response struct {
	Status int
	Body   []byte
}

func (r response) ok() bool { return r.Status >= 200 && r.Status < 300 }

// postJSON POSTs payload as JSON. header may be nil.
func postJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, payload any) (response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return response{}, fmt.Errorf("marshal: %w", err)
	}
	return post(ctx, client, endpoint, "application/json", header, bytes.NewReader(body))
}

// postForm POSTs url-encoded form values with optional basic auth.
func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, user, pass string) (response, error) {
	var header http.Header
	if user != "" {
		header = http.Header{"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))}}
	}
	return post(ctx, client, endpoint, "application/x-www-form-urlencoded", header, strings.NewReader(form.Encode()))
}

func post(ctx context.Context, client *http.Client, endpoint, contentType string, header http.Header, body io.Reader) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return response{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return response{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return response{Status: resp.StatusCode, Body: b}, nil
}

// statusError describes a non-2xx reply, including a short body excerpt.
func statusError(r response) error {
	excerpt := strings.TrimSpace(string(r.Body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	if excerpt == "" {
		return fmt.Errorf("unexpected status %d", r.Status)
	}
	return fmt.Errorf("unexpected status %d: %s", r.Status, excerpt)
}
