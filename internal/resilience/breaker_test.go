package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/escalator/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(s Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("org-service", s)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3})
	if s := b.State(); s != Closed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v", err)
	}
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != Closed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}
	b.RecordFailure()
	if s := b.State(); s != Open {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() error = %v, want ErrOpen", err)
	}
}

func TestBreaker_successResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != Closed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Minute})

	b.RecordFailure()
	clock.Advance(59 * time.Second)
	if s := b.State(); s != Open {
		t.Fatalf("state before timeout = %v, want open", s)
	}
	clock.Advance(time.Second)
	if s := b.State(); s != HalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", s)
	}

	b.RecordSuccess()
	if s := b.State(); s != HalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != Closed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, OpenTimeout: time.Minute})

	b.RecordFailure()
	clock.Advance(time.Minute)
	_ = b.Allow()
	b.RecordFailure()
	if s := b.State(); s != Open {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 2})
	boom := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() error = %v, want %v", err, boom)
		}
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn should not run while open")
	}
	if !model.HasCode(err, model.ErrBackendUnavailable) {
		t.Errorf("Execute() error = %v, want BACKEND_UNAVAILABLE", err)
	}
}

func TestBreaker_Execute_callerCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if s := b.State(); s != Closed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	b, clock := newTestBreaker(Settings{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	clock.Advance(time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	want := []string{
		"org-service:closed->open",
		"org-service:open->half-open",
		"org-service:half-open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestState_String(t *testing.T) {
	if Closed.String() != "closed" || Open.String() != "open" || HalfOpen.String() != "half-open" {
		t.Error("state string mismatch")
	}
}
