package breaker

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(maxFailures int, reset time.Duration) (*Breaker, *time.Time) {
	b := New("test", maxFailures, reset)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := New("binance", 3, time.Second)
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", b.CurrentState())
	}
	if b.Name() != "binance" {
		t.Errorf("expected name binance, got %q", b.Name())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 10*time.Second)
	errFail := errors.New("fail")

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errFail }); err != errFail {
			t.Fatalf("expected errFail, got %v", err)
		}
	}
	if b.CurrentState() != StateOpen {
		t.Fatalf("expected Open after 3 failures, got %v", b.CurrentState())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if err != ErrOpen {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(2, 10*time.Second)
	errFail := errors.New("fail")
	for i := 0; i < 2; i++ {
		b.Execute(func() error { return errFail })
	}

	*now = now.Add(11 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe success, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("expected Closed after successful probe, got %v", b.CurrentState())
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 10*time.Second)
	errFail := errors.New("fail")
	b.Execute(func() error { return errFail })

	*now = now.Add(11 * time.Second)
	b.Execute(func() error { return errFail })
	if b.CurrentState() != StateOpen {
		t.Errorf("expected Open after failed probe, got %v", b.CurrentState())
	}
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	errMiss := errors.New("miss")
	b.IsFailure = func(err error) bool { return err != nil && err != errMiss }

	if err := b.Execute(func() error { return errMiss }); err != errMiss {
		t.Fatalf("expected errMiss passed through, got %v", err)
	}
	if b.CurrentState() != StateClosed {
		t.Errorf("ignored error must not trip breaker, got %v", b.CurrentState())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	var transitions []State
	b.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	b.Execute(func() error { return errors.New("fail") })
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("expected [open], got %v", transitions)
	}
}
