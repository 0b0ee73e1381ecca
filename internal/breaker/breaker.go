// Package breaker implements a three-state circuit breaker that fails fast
// during sustained failure streaks instead of hammering a broken resource.
//
// It is generic over the protected operation: the same type guards the
// worker pool and any other flaky external call independently.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the operation while the
// circuit is open.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
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

// Breaker guards one resource. Safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openUntil           time.Time
	probing             bool // a half-open probe is in flight

	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers an observer for state transitions. Transitions
// are observable events; callers see nothing else beyond the error type.
// The observer runs with the breaker's lock held and must not call back
// into the breaker.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker that opens after failureThreshold
// consecutive failures and allows a probe after resetTimeout.
func New(name string, failureThreshold int, resetTimeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            Closed,
		now:              time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejects reports whether a call made now would be rejected. It never
// claims the half-open probe slot, so callers can use it as a cheap
// fast-path before committing resources to a Do.
func (b *Breaker) Rejects() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return b.now().Before(b.openUntil)
	case HalfOpen:
		return b.probing
	}
	return false
}

// Do runs op under the breaker's protection. While open it returns
// ErrCircuitOpen immediately; once the reset timeout elapses exactly one
// call is let through as the half-open probe.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := op(ctx)
	b.after(err == nil)
	return err
}

// before decides whether the call may proceed.
func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		// Reset timeout elapsed: this call becomes the probe.
		b.transitionLocked(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// after records the call's result.
func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.openUntil = b.now().Add(b.resetTimeout)
			b.transitionLocked(Open)
		}
	case HalfOpen:
		b.probing = false
		if success {
			b.consecutiveFailures = 0
			b.transitionLocked(Closed)
			return
		}
		b.openUntil = b.now().Add(b.resetTimeout)
		b.transitionLocked(Open)
	}
}

// transitionLocked applies a state change and notifies the observer.
// Callers hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
