// Package dedup provides short-lived mutual-exclusion entries that stop two
// concurrent executions of the same logical request.
//
// A released lock stays held for a short grace delay so near-simultaneous
// duplicate submissions arriving just after completion still collapse onto
// the cached result instead of re-executing.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// lockState tracks one held key.
type lockState struct {
	acquiredAt time.Time

	// releasedAt is non-zero once the owner released; the key becomes
	// acquirable again only after releasedAt + grace.
	releasedAt time.Time
}

// Table is the in-process lock table. Safe for concurrent use; TryAcquire
// and Release never block.
type Table struct {
	grace  time.Duration
	maxAge time.Duration

	mu    sync.Mutex
	locks map[string]*lockState

	now func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// NewTable creates a lock table. grace is the post-release hold; maxAge is
// the leak guard after which Sweep force-clears a lock whose release was
// lost to a crash path.
func NewTable(grace, maxAge time.Duration, opts ...Option) *Table {
	t := &Table{
		grace:  grace,
		maxAge: maxAge,
		locks:  make(map[string]*lockState),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Key builds the lock key for operations where one execution per identity
// and operation kind is allowed at a time.
func Key(identity, op string) string {
	return identity + ":" + op
}

// KeyWithFingerprint builds the lock key for operations where concurrent
// different inputs from one identity are fine but identical inputs are not.
func KeyWithFingerprint(identity, op, fingerprint string) string {
	return fmt.Sprintf("%s:%s:%s", identity, op, fingerprint)
}

// TryAcquire takes the lock if free. A false return is the normal outcome
// for a duplicate submission, not an error.
func (t *Table) TryAcquire(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.locks[key]; ok {
		if s.releasedAt.IsZero() || now.Before(s.releasedAt.Add(t.grace)) {
			return false
		}
		// Grace elapsed; the entry is dead weight.
	}
	t.locks[key] = &lockState{acquiredAt: now}
	return true
}

// Release marks the lock released. The key stays held for the grace delay
// and is removed by the next sweep (or reused by TryAcquire once the grace
// elapses).
func (t *Table) Release(key string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.locks[key]; ok && s.releasedAt.IsZero() {
		s.releasedAt = now
	}
}

// Held reports whether the key is currently unacquirable.
func (t *Table) Held(key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.locks[key]
	if !ok {
		return false
	}
	return s.releasedAt.IsZero() || now.Before(s.releasedAt.Add(t.grace))
}

// Sweep removes released locks past their grace delay and force-clears
// locks older than maxAge whose release never arrived. Returns the number
// of entries removed.
func (t *Table) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, s := range t.locks {
		graceDone := !s.releasedAt.IsZero() && !now.Before(s.releasedAt.Add(t.grace))
		leaked := t.maxAge > 0 && now.Sub(s.acquiredAt) > t.maxAge
		if graceDone || leaked {
			delete(t.locks, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries (held or in grace).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
