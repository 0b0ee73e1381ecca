// Package pool manages the fixed set of expensive render worker handles.
//
// The pool holds exactly N handles. Acquire hands one out or suspends the
// caller in a strict FIFO waiter queue bounded by the configured capacity;
// beyond the bound it fails fast. Crashed handles are discarded and
// replaced so a crash never silently loses a concurrency slot. Only the
// pool transitions a handle's state.
package pool

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned when the waiter queue is at capacity.
	ErrQueueFull = errors.New("pool: waiting queue full")

	// ErrWorkerRecycled is returned to jobs whose handle was force-recycled
	// mid-flight. Such jobs are safe to retry.
	ErrWorkerRecycled = errors.New("pool: worker recycled")

	// ErrPoolClosed is returned once the pool has shut down.
	ErrPoolClosed = errors.New("pool: closed")
)

// HandleState is the lifecycle state of a worker handle.
type HandleState int

const (
	StateIdle HandleState = iota
	StateBusy
	StateRecycling
	StateCrashed
)

func (s HandleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateRecycling:
		return "recycling"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Outcome reports how a borrowed handle behaved.
type Outcome int

const (
	// OutcomeOK: the worker behaved correctly (including jobs that failed
	// for reasons the worker is not to blame for, e.g. a bad shader).
	OutcomeOK Outcome = iota

	// OutcomeWorkerError: the worker misbehaved non-fatally; repeated
	// occurrences fail the health check and recycle the handle.
	OutcomeWorkerError

	// OutcomeCrashed: the worker crashed; the handle is discarded.
	OutcomeCrashed

	// OutcomeTimeout: the job exceeded its deadline; treated as a crash.
	OutcomeTimeout
)

// maxConsecutiveFailures is the health check bound for non-fatal worker
// errors before a handle is recycled anyway.
const maxConsecutiveFailures = 3

// Handle represents one rendering worker instance. Jobs borrow a handle
// for the duration of execution and must return it via Release.
type Handle struct {
	id string

	// Guarded by the owning pool's mutex.
	state               HandleState
	consecutiveFailures int
	lastUsedAt          time.Time

	// recycled is closed when the handle is force-recycled so in-flight
	// work can abandon it.
	recycled chan struct{}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Recycled is closed when the handle has been force-recycled. In-flight
// jobs select on it and fail with ErrWorkerRecycled.
func (h *Handle) Recycled() <-chan struct{} { return h.recycled }

// waiter is one suspended Acquire call.
type waiter struct {
	ch         chan *Handle
	enqueuedAt time.Time
}

// Stats is the pool observability snapshot.
type Stats struct {
	PoolSize       int     `json:"pool_size"`
	ActiveCount    int     `json:"active_count"`
	WaitingCount   int     `json:"waiting_count"`
	QueueCapacity  int     `json:"queue_capacity"`
	AvgWaitSeconds float64 `json:"avg_wait_seconds"`
}

// Pool is safe for concurrent use.
type Pool struct {
	size     int
	queueCap int

	mu      sync.Mutex
	idle    []*Handle
	active  map[string]*Handle
	waiters []*waiter
	live    int // handles currently in existence (idle + active)
	closed  bool

	// wait time accounting for queue stats
	servedWaits   int64
	totalWaitTime time.Duration

	now func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool of exactly size handles with the given waiter queue
// capacity.
func New(size, queueCapacity int, opts ...Option) *Pool {
	p := &Pool{
		size:     size,
		queueCap: queueCapacity,
		active:   make(map[string]*Handle),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < size; i++ {
		p.idle = append(p.idle, p.newHandle())
	}
	p.live = size
	return p
}

func (p *Pool) newHandle() *Handle {
	return &Handle{
		id:       "worker-" + uuid.New().String()[:8],
		state:    StateIdle,
		recycled: make(chan struct{}),
	}
}

// Acquire returns an idle handle, creating a lazy replacement for a
// previously crashed one if capacity allows. When all handles are busy the
// caller suspends in strict FIFO order until one frees, the context is
// cancelled, or the waiting queue is already at capacity (ErrQueueFull).
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if h := p.takeIdleLocked(); h != nil {
		p.mu.Unlock()
		return h, nil
	}

	if len(p.waiters) >= p.queueCap {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	w := &waiter{ch: make(chan *Handle, 1), enqueuedAt: p.now()}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case h := <-w.ch:
		if h == nil {
			return nil, ErrPoolClosed
		}
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, other := range p.waiters {
			if other == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Already dequeued: a handle was (or is about to be) delivered.
		// Take it and put it straight back.
		h := <-w.ch
		if h != nil {
			p.Release(h, OutcomeOK)
		}
		return nil, ctx.Err()
	}
}

// takeIdleLocked pops an idle handle or lazily creates a replacement for a
// discarded one. Returns nil when every slot is busy. Callers hold p.mu.
func (p *Pool) takeIdleLocked() *Handle {
	var h *Handle
	if n := len(p.idle); n > 0 {
		h = p.idle[0]
		p.idle = p.idle[1:]
	} else if p.live < p.size {
		h = p.newHandle()
		p.live++
		log.Printf("pool: created replacement handle %s", h.id)
	} else {
		return nil
	}
	h.state = StateBusy
	h.lastUsedAt = p.now()
	p.active[h.id] = h
	return h
}

// Release returns a borrowed handle. An OK outcome puts it back in
// rotation (serving the oldest waiter first); crash-class outcomes discard
// it so a fresh handle takes the slot.
func (p *Pool) Release(h *Handle, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[h.id]; !ok {
		// Already recycled out from under the job (CloseAll) or double
		// release; nothing to do.
		return
	}
	delete(p.active, h.id)
	h.lastUsedAt = p.now()

	discard := false
	switch outcome {
	case OutcomeOK:
		h.consecutiveFailures = 0
	case OutcomeWorkerError:
		h.consecutiveFailures++
		if h.consecutiveFailures >= maxConsecutiveFailures {
			log.Printf("pool: handle %s failed health check (%d consecutive errors)", h.id, h.consecutiveFailures)
			discard = true
		}
	case OutcomeCrashed, OutcomeTimeout:
		h.consecutiveFailures++
		discard = true
	}

	if discard {
		h.state = StateCrashed
		close(h.recycled)
		p.live--
		// The replacement is created lazily, but a pending waiter is the
		// need: serve it now so the slot is not lost.
		if len(p.waiters) > 0 {
			if nh := p.takeIdleLocked(); nh != nil {
				p.handoffLocked(nh)
			}
		}
		return
	}

	h.state = StateIdle
	if len(p.waiters) > 0 {
		h.state = StateBusy
		h.lastUsedAt = p.now()
		p.active[h.id] = h
		p.handoffLocked(h)
		return
	}
	p.idle = append(p.idle, h)
}

// handoffLocked delivers a busy-marked handle to the oldest waiter.
// Callers hold p.mu.
func (p *Pool) handoffLocked(h *Handle) {
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.servedWaits++
	p.totalWaitTime += p.now().Sub(w.enqueuedAt)
	w.ch <- h
}

// CloseAll forcibly recycles every handle. In-flight jobs observe their
// handle's Recycled channel and fail with ErrWorkerRecycled; the pool
// refills with fresh idle handles.
func (p *Pool) CloseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	recycled := 0
	for id, h := range p.active {
		h.state = StateRecycling
		close(h.recycled)
		delete(p.active, id)
		recycled++
	}
	for _, h := range p.idle {
		h.state = StateRecycling
		close(h.recycled)
		recycled++
	}

	p.idle = nil
	p.live = 0
	if !p.closed {
		for i := 0; i < p.size; i++ {
			p.idle = append(p.idle, p.newHandle())
		}
		p.live = p.size
		// Fresh handles can serve anyone still waiting.
		for len(p.waiters) > 0 {
			h := p.takeIdleLocked()
			if h == nil {
				break
			}
			p.handoffLocked(h)
		}
	}
	return recycled
}

// Close shuts the pool down: waiters fail with ErrPoolClosed and no new
// acquisitions are accepted. In-flight handles are left to their jobs;
// callers wanting to abort them use CloseAll first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.waiters {
		w.ch <- nil
	}
	p.waiters = nil
}

// Stats returns the observability snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	avg := 0.0
	if p.servedWaits > 0 {
		avg = p.totalWaitTime.Seconds() / float64(p.servedWaits)
	}
	return Stats{
		PoolSize:       p.size,
		ActiveCount:    len(p.active),
		WaitingCount:   len(p.waiters),
		QueueCapacity:  p.queueCap,
		AvgWaitSeconds: avg,
	}
}
