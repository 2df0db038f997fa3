// Package resilience guards calls to downstream collaborators.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/escalator/model"
)

// State represents the current state of a circuit breaker.
type State int

const (
	// Closed allows all calls through. Consecutive failures are counted.
	Closed State = iota
	// Open rejects all calls immediately.
	Open
	// HalfOpen lets trial calls through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures a Breaker. Zero values fall back to defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// Closed to Open. Default 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive HalfOpen successes
	// needed to close again. Default 2.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays Open before probing.
	// Default 30s.
	OpenTimeout time.Duration
	// OnStateChange, if set, is called after every transition with the
	// lock released.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker for one named dependency. It is
// safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a breaker for the named dependency.
func New(name string, s Settings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &Breaker{name: name, settings: s, now: time.Now}
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow returns nil if a call may proceed, or ErrOpen.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	to := b.advance()
	b.mu.Unlock()
	b.notify(from, to)

	if to == Open {
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State returns the current state, moving Open to HalfOpen once the open
// timeout has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	to := b.advance()
	b.mu.Unlock()
	b.notify(from, to)
	return to
}

// Execute runs fn if the breaker allows it and records the result. A
// rejected call returns a BACKEND_UNAVAILABLE error naming the dependency.
// Errors caused by the caller's own context ending are not counted against
// the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return model.NewBackendUnavailableError(b.name)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Caller gave up; says nothing about the dependency.
	default:
		b.RecordFailure()
	}
	return err
}

// advance applies the Open to HalfOpen timeout. Must be called with lock held.
func (b *Breaker) advance() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
	return b.state
}

// trip opens the breaker. Must be called with lock held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.successes = 0
	b.failures = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
