package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pulsewatch/internal/monitor"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, h.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readEnvelopes reads frames until n envelopes arrived; frames may carry
// several newline-separated envelopes.
func readEnvelopes(t *testing.T, conn *websocket.Conn, n int) []Envelope {
	t.Helper()
	var out []Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < n {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d envelopes: %v", len(out), err)
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var env Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			if env.Type == "trigger" {
				out = append(out, env)
			}
		}
	}
	return out
}

func event(alertID int64, userID string) monitor.TriggerEvent {
	return monitor.TriggerEvent{AlertID: alertID, UserID: userID, Type: "crypto", Asset: "BTC", Message: "BTC above 50000"}
}

func TestHub_FiltersByUser(t *testing.T) {
	hub := NewHub(10, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "user_id=u1")
	defer conn.Close()
	waitClients(t, hub, 1)

	hub.Publish(context.Background(), event(1, "u2"))
	hub.Publish(context.Background(), event(2, "u1"))

	got := readEnvelopes(t, conn, 1)
	if got[0].Event == nil || got[0].Event.AlertID != 2 {
		t.Fatalf("expected alert 2 for u1, got %+v", got[0])
	}
	if got[0].Seq != 2 {
		t.Errorf("expected seq 2, got %d", got[0].Seq)
	}
}

func TestHub_ReplaysMissedEvents(t *testing.T) {
	hub := NewHub(10, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	for i := int64(1); i <= 3; i++ {
		hub.Publish(context.Background(), event(i, "u1"))
	}

	conn := dial(t, srv, "user_id=u1&last_seq=1")
	defer conn.Close()

	got := readEnvelopes(t, conn, 2)
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("expected seqs 2 and 3, got %d and %d", got[0].Seq, got[1].Seq)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(10, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "user_id=u1")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)

	// Publishing with no clients must not block.
	hub.Publish(context.Background(), event(1, "u1"))
	if hub.Seq() != 1 {
		t.Errorf("expected seq 1, got %d", hub.Seq())
	}
}

func TestHub_RequiresUserID(t *testing.T) {
	hub := NewHub(10, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without user_id to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", hub.ClientCount())
	}
}

func TestHub_Firehose(t *testing.T) {
	hub := NewHub(10, nil)
	hub.AllowFirehose(true)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	waitClients(t, hub, 1)

	hub.Publish(context.Background(), event(1, "u1"))
	hub.Publish(context.Background(), event(2, "u2"))
	if got := readEnvelopes(t, conn, 2); got[1].Event.UserID != "u2" {
		t.Errorf("expected events of every user, got %+v", got)
	}
}

func TestHub_CheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		wantOK  bool
	}{
		{"no origin header", nil, "", true},
		{"cross origin rejected", nil, "http://evil.example", false},
		{"listed origin", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted origin", []string{"https://app.example"}, "https://other.example", false},
		{"wildcard", []string{"*"}, "https://other.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(10, nil)
			hub.AllowOrigins(tt.allowed...)
			srv := httptest.NewServer(hub)
			defer srv.Close()
			defer hub.Close()

			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=u1"
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("expected upgrade, got %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("expected upgrade to be refused")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403, got %v", resp)
			}
		})
	}
}

type memBus struct {
	mu    sync.Mutex
	subs  []func([]byte)
	err   error
	ready chan struct{}
	once  sync.Once
}

func newMemBus() *memBus { return &memBus{ready: make(chan struct{})} }

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	subs := append([]func([]byte){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, _ string, fn func([]byte)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	b.once.Do(func() { close(b.ready) })
	<-ctx.Done()
}

func TestRelay_DeliversThroughBus(t *testing.T) {
	bus := newMemBus()
	hub := NewHub(10, nil)
	relay := NewRelay(bus, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)
	<-bus.ready

	relay.Publish(ctx, event(7, "u1"))
	entries := hub.replay.Since(0, "u1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 relayed envelope, got %d", len(entries))
	}
	var env Envelope
	json.Unmarshal(entries[0].Data, &env)
	if env.Event == nil || env.Event.AlertID != 7 {
		t.Errorf("unexpected envelope %s", entries[0].Data)
	}
}

func TestRelay_FallsBackToLocal(t *testing.T) {
	bus := newMemBus()
	bus.err = errors.New("redis down")
	hub := NewHub(10, nil)

	NewRelay(bus, hub).Publish(context.Background(), event(1, "u1"))
	if hub.Seq() != 1 {
		t.Errorf("expected local delivery, seq %d", hub.Seq())
	}
}

func TestHub_BroadcastIgnoresMalformed(t *testing.T) {
	hub := NewHub(10, nil)
	hub.Broadcast([]byte("not json"))
	if hub.Seq() != 0 {
		t.Errorf("expected malformed payload to be dropped, seq %d", hub.Seq())
	}
}
