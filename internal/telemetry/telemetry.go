// Package telemetry records the start, end, outcome and duration of every
// pipeline stage into a bounded per-category history and computes
// percentile summaries over it.
package telemetry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a span ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// SpanID identifies one in-flight span.
type SpanID string

// span is one recorded operation.
type span struct {
	Name      string
	Outcome   Outcome
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// active tracks a started but unfinished span.
type active struct {
	name      string
	metadata  map[string]string
	startedAt time.Time
}

// Report summarizes one category over a time window.
type Report struct {
	Name        string        `json:"name"`
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	SuccessRate float64       `json:"success_rate"`
}

// SlowSignal describes an operation that exceeded its category threshold.
type SlowSignal struct {
	Name      string
	Duration  time.Duration
	Threshold time.Duration
	Metadata  map[string]string
}

// Recorder is safe for concurrent use. History per category is a bounded
// ring; the oldest entries drop once the maximum is exceeded.
type Recorder struct {
	historySize      int
	slowThresholds   map[string]time.Duration
	defaultSlowLimit time.Duration
	onSlow           func(SlowSignal)

	mu      sync.Mutex
	actives map[SpanID]active
	history map[string][]span // ring per category, newest last

	now func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// OnSlow registers a handler for slow-operation signals. The handler runs
// synchronously at EndSpan time; it must be fast and must not call back.
func OnSlow(fn func(SlowSignal)) Option {
	return func(r *Recorder) { r.onSlow = fn }
}

// NewRecorder creates a recorder keeping at most historySize spans per
// category. slowThresholds maps a category to its slow-operation
// threshold; defaultSlowLimit applies to categories without one (0
// disables the default).
func NewRecorder(historySize int, slowThresholds map[string]time.Duration, defaultSlowLimit time.Duration, opts ...Option) *Recorder {
	r := &Recorder{
		historySize:      historySize,
		slowThresholds:   slowThresholds,
		defaultSlowLimit: defaultSlowLimit,
		actives:          make(map[SpanID]active),
		history:          make(map[string][]span),
		now:              time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// StartSpan begins recording an operation.
func (r *Recorder) StartSpan(name string, metadata map[string]string) SpanID {
	id := SpanID(uuid.New().String())

	r.mu.Lock()
	r.actives[id] = active{name: name, metadata: metadata, startedAt: r.now()}
	r.mu.Unlock()
	return id
}

// EndSpan finishes a span and records it. Exceeding the category's slow
// threshold raises a slow-operation signal; that is logged, never fatal.
func (r *Recorder) EndSpan(id SpanID, outcome Outcome, err error) {
	now := r.now()

	r.mu.Lock()
	a, ok := r.actives[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.actives, id)

	s := span{
		Name:      a.name,
		Outcome:   outcome,
		StartedAt: a.startedAt,
		Duration:  now.Sub(a.startedAt),
	}
	if err != nil {
		s.Err = err.Error()
	}

	h := append(r.history[a.name], s)
	if len(h) > r.historySize {
		h = h[len(h)-r.historySize:]
	}
	r.history[a.name] = h

	threshold, slow := r.slowThresholdLocked(a.name, s.Duration)
	r.mu.Unlock()

	if slow {
		log.Printf("telemetry: slow operation %s took %v (threshold %v)", a.name, s.Duration, threshold)
		if r.onSlow != nil {
			r.onSlow(SlowSignal{Name: a.name, Duration: s.Duration, Threshold: threshold, Metadata: a.metadata})
		}
	}
}

// slowThresholdLocked resolves the category threshold and whether the
// duration crossed it. Callers hold r.mu.
func (r *Recorder) slowThresholdLocked(name string, d time.Duration) (time.Duration, bool) {
	threshold, ok := r.slowThresholds[name]
	if !ok {
		threshold = r.defaultSlowLimit
	}
	return threshold, threshold > 0 && d > threshold
}

// Record is a convenience for spans whose duration is already known.
func (r *Recorder) Record(name string, outcome Outcome, duration time.Duration, err error) {
	now := r.now()

	r.mu.Lock()
	s := span{Name: name, Outcome: outcome, StartedAt: now.Add(-duration), Duration: duration}
	if err != nil {
		s.Err = err.Error()
	}
	h := append(r.history[name], s)
	if len(h) > r.historySize {
		h = h[len(h)-r.historySize:]
	}
	r.history[name] = h
	threshold, slow := r.slowThresholdLocked(name, duration)
	r.mu.Unlock()

	if slow {
		log.Printf("telemetry: slow operation %s took %v (threshold %v)", name, duration, threshold)
		if r.onSlow != nil {
			r.onSlow(SlowSignal{Name: name, Duration: duration, Threshold: threshold})
		}
	}
}

// Report summarizes one category over the trailing window. A zero window
// covers the whole history.
func (r *Recorder) Report(name string, window time.Duration) Report {
	now := r.now()

	r.mu.Lock()
	var durations []time.Duration
	successes := 0
	for _, s := range r.history[name] {
		if window > 0 && s.StartedAt.Before(now.Add(-window)) {
			continue
		}
		durations = append(durations, s.Duration)
		if s.Outcome == OutcomeSuccess {
			successes++
		}
	}
	r.mu.Unlock()

	rep := Report{Name: name, Count: len(durations)}
	if len(durations) == 0 {
		return rep
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	rep.AvgDuration = total / time.Duration(len(durations))
	rep.P50 = percentile(durations, 50)
	rep.P95 = percentile(durations, 95)
	rep.P99 = percentile(durations, 99)
	rep.SuccessRate = float64(successes) / float64(len(durations))
	return rep
}

// Categories lists every recorded category name.
func (r *Recorder) Categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.history))
	for name := range r.history {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// percentile returns the nearest-rank percentile of sorted durations.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100 // ceil
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
