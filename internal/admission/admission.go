// Package admission decides, before any expensive work happens, whether a
// request may proceed: fixed rolling-window rate ceilings per identity and
// operation kind, one global ceiling, and an abuse detector that escalates
// repeat offenders to a temporary ban.
package admission

import (
	"log"
	"sync"
	"time"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long until the relevant window resets. Only
	// meaningful when Allowed is false.
	RetryAfter time.Duration

	// Banned marks denials caused by an active ban rather than a window
	// ceiling.
	Banned bool
}

// BanInfo describes an active ban.
type BanInfo struct {
	Identity  string
	Reason    string
	ExpiresAt time.Time
}

// BanStore is the account-subsystem boundary the abuse detector escalates
// to. Implementations live outside this package.
type BanStore interface {
	// BanStatus returns the active ban for an identity, if any.
	BanStatus(identity string) (BanInfo, bool)

	// RecordBan registers a temporary ban.
	RecordBan(identity, reason string, duration time.Duration) error
}

// window is one fixed rate window.
type window struct {
	count   int
	resetAt time.Time
}

type key struct {
	identity string
	op       string
}

// Config holds the controller's tunables.
type Config struct {
	// Window is the rate window length for all ceilings.
	Window time.Duration

	// DefaultCeiling applies to operation kinds absent from Ceilings.
	DefaultCeiling int

	// Ceilings maps an operation kind to its per-identity ceiling.
	Ceilings map[string]int

	// GlobalCeiling is the cross-identity ceiling per window.
	GlobalCeiling int

	// AbuseWindow is the longer window over which denials are counted.
	AbuseWindow time.Duration

	// AbuseThreshold is the denial count that triggers a ban.
	AbuseThreshold int

	// BanDuration is how long an escalated ban lasts.
	BanDuration time.Duration
}

// Controller enforces the ceilings. All checks run under one mutex so two
// concurrent checks for the same key can never both observe a stale count
// and overshoot the ceiling. Check never blocks.
type Controller struct {
	cfg  Config
	bans BanStore

	mu      sync.Mutex
	windows map[key]*window
	global  window
	abuse   map[string]*window

	now func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller. bans may be nil, which disables ban
// checks and escalation.
func NewController(cfg Config, bans BanStore, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		bans:    bans,
		windows: make(map[key]*window),
		abuse:   make(map[string]*window),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check admits or denies one attempt for (identity, op). Both the
// per-identity and global ceilings must pass; a denied attempt feeds the
// abuse detector.
func (c *Controller) Check(identity, op string) Decision {
	now := c.now()

	if c.bans != nil {
		if ban, ok := c.bans.BanStatus(identity); ok && now.Before(ban.ExpiresAt) {
			return Decision{Allowed: false, Banned: true, RetryAfter: ban.ExpiresAt.Sub(now)}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{identity: identity, op: op}
	w, ok := c.windows[k]
	if !ok {
		w = &window{}
		c.windows[k] = w
	}

	ceiling := c.cfg.DefaultCeiling
	if v, ok := c.cfg.Ceilings[op]; ok {
		ceiling = v
	}

	// Expired windows reset before counting; both ceilings must pass
	// before either count is committed.
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(c.cfg.Window)
	}
	if !now.Before(c.global.resetAt) {
		c.global.count = 0
		c.global.resetAt = now.Add(c.cfg.Window)
	}

	if w.count >= ceiling {
		c.recordDenialLocked(identity, now)
		return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}
	}
	if c.global.count >= c.cfg.GlobalCeiling {
		c.recordDenialLocked(identity, now)
		return Decision{Allowed: false, RetryAfter: c.global.resetAt.Sub(now)}
	}

	w.count++
	c.global.count++
	return Decision{Allowed: true}
}

// recordDenialLocked counts a denial toward the abuse threshold and
// escalates to the ban store when crossed. Callers hold c.mu.
func (c *Controller) recordDenialLocked(identity string, now time.Time) {
	if c.bans == nil || c.cfg.AbuseThreshold <= 0 {
		return
	}

	a, ok := c.abuse[identity]
	if !ok {
		a = &window{}
		c.abuse[identity] = a
	}
	if !now.Before(a.resetAt) {
		a.count = 0
		a.resetAt = now.Add(c.cfg.AbuseWindow)
	}
	a.count++

	// Escalate exactly once per abuse window crossing.
	if a.count == c.cfg.AbuseThreshold {
		log.Printf("admission: identity %s hit %d denials, escalating to ban", identity, a.count)
		if err := c.bans.RecordBan(identity, "rate limit abuse", c.cfg.BanDuration); err != nil {
			log.Printf("admission: record ban for %s: %v", identity, err)
		}
	}
}

// Reset clears the window for one (identity, op) pair (administrative).
func (c *Controller) Reset(identity, op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, key{identity: identity, op: op})
}

// ResetAll clears every window and the abuse counter for an identity.
func (c *Controller) ResetAll(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.windows {
		if k.identity == identity {
			delete(c.windows, k)
		}
	}
	delete(c.abuse, identity)
}

// Sweep garbage-collects windows whose reset time is long past. Driven by
// the owner's periodic ticker.
func (c *Controller) Sweep() int {
	now := c.now()
	cutoff := now.Add(-c.cfg.Window)
	abuseCutoff := now.Add(-c.cfg.AbuseWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, w := range c.windows {
		if w.resetAt.Before(cutoff) {
			delete(c.windows, k)
			removed++
		}
	}
	for id, a := range c.abuse {
		if a.resetAt.Before(abuseCutoff) {
			delete(c.abuse, id)
		}
	}
	return removed
}

// Stats is the rate limiter observability snapshot.
type Stats struct {
	ActiveIdentities     int           `json:"active_identities"`
	GlobalCount          int           `json:"global_count"`
	GlobalResetIn        time.Duration `json:"-"`
	GlobalResetInSeconds int           `json:"global_reset_in_seconds"`
}

// Stats returns the current snapshot.
func (c *Controller) Stats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make(map[string]struct{}, len(c.windows))
	for k := range c.windows {
		ids[k.identity] = struct{}{}
	}

	resetIn := time.Duration(0)
	count := 0
	if now.Before(c.global.resetAt) {
		resetIn = c.global.resetAt.Sub(now)
		count = c.global.count
	}
	return Stats{
		ActiveIdentities:     len(ids),
		GlobalCount:          count,
		GlobalResetIn:        resetIn,
		GlobalResetInSeconds: int(resetIn.Seconds() + 0.5),
	}
}
