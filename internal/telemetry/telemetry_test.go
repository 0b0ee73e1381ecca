package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRecorder(historySize int, opts ...Option) (*Recorder, *clock) {
	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(ck.now))
	return NewRecorder(historySize, map[string]time.Duration{"render": time.Second}, 0, opts...), ck
}

func TestSpanRoundTrip(t *testing.T) {
	r, ck := newTestRecorder(100)

	id := r.StartSpan("render", nil)
	ck.advance(500 * time.Millisecond)
	r.EndSpan(id, OutcomeSuccess, nil)

	rep := r.Report("render", 0)
	if rep.Count != 1 {
		t.Fatalf("Count = %d, want 1", rep.Count)
	}
	if rep.AvgDuration != 500*time.Millisecond {
		t.Errorf("AvgDuration = %v, want 500ms", rep.AvgDuration)
	}
	if rep.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0", rep.SuccessRate)
	}
}

func TestEndSpanUnknownIDIsNoop(t *testing.T) {
	r, _ := newTestRecorder(100)
	r.EndSpan(SpanID("missing"), OutcomeSuccess, nil)
	if got := r.Report("render", 0).Count; got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
}

func TestBoundedHistory(t *testing.T) {
	r, ck := newTestRecorder(10)

	for i := 0; i < 25; i++ {
		id := r.StartSpan("render", nil)
		ck.advance(time.Millisecond)
		r.EndSpan(id, OutcomeSuccess, nil)
	}

	if got := r.Report("render", 0).Count; got != 10 {
		t.Errorf("Count = %d, want 10 (oldest dropped)", got)
	}
}

func TestPercentiles(t *testing.T) {
	r, ck := newTestRecorder(200)

	// 100 spans of 1ms..100ms.
	for i := 1; i <= 100; i++ {
		id := r.StartSpan("render", nil)
		ck.advance(time.Duration(i) * time.Millisecond)
		r.EndSpan(id, OutcomeSuccess, nil)
	}

	rep := r.Report("render", 0)
	if rep.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v, want 50ms", rep.P50)
	}
	if rep.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", rep.P95)
	}
	if rep.P99 != 99*time.Millisecond {
		t.Errorf("P99 = %v, want 99ms", rep.P99)
	}
}

func TestReportWindow(t *testing.T) {
	r, ck := newTestRecorder(100)

	id := r.StartSpan("render", nil)
	r.EndSpan(id, OutcomeFailure, errors.New("old"))

	ck.advance(time.Hour)
	id = r.StartSpan("render", nil)
	ck.advance(10 * time.Millisecond)
	r.EndSpan(id, OutcomeSuccess, nil)

	rep := r.Report("render", time.Minute)
	if rep.Count != 1 {
		t.Fatalf("windowed Count = %d, want 1", rep.Count)
	}
	if rep.SuccessRate != 1.0 {
		t.Errorf("SuccessRate = %v, want 1.0 (old failure outside window)", rep.SuccessRate)
	}
}

func TestSuccessRateMixed(t *testing.T) {
	r, _ := newTestRecorder(100)

	for i := 0; i < 3; i++ {
		r.Record("render", OutcomeSuccess, time.Millisecond, nil)
	}
	r.Record("render", OutcomeFailure, time.Millisecond, errors.New("x"))

	rep := r.Report("render", 0)
	if rep.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v, want 0.75", rep.SuccessRate)
	}
}

func TestSlowSignal(t *testing.T) {
	var mu sync.Mutex
	var signals []SlowSignal

	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRecorder(100, map[string]time.Duration{"render": time.Second}, 0,
		WithClock(ck.now),
		OnSlow(func(s SlowSignal) {
			mu.Lock()
			signals = append(signals, s)
			mu.Unlock()
		}))

	id := r.StartSpan("render", map[string]string{"job": "j1"})
	ck.advance(2 * time.Second)
	r.EndSpan(id, OutcomeSuccess, nil)

	// A fast span in the same category raises nothing.
	id = r.StartSpan("render", nil)
	ck.advance(10 * time.Millisecond)
	r.EndSpan(id, OutcomeSuccess, nil)

	// No threshold configured for this category and no default.
	id = r.StartSpan("lookup", nil)
	ck.advance(time.Hour)
	r.EndSpan(id, OutcomeSuccess, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(signals) != 1 {
		t.Fatalf("slow signals = %d, want 1", len(signals))
	}
	if signals[0].Name != "render" || signals[0].Duration != 2*time.Second {
		t.Errorf("signal = %+v", signals[0])
	}
	if signals[0].Metadata["job"] != "j1" {
		t.Errorf("metadata not propagated: %+v", signals[0].Metadata)
	}
}

func TestCategories(t *testing.T) {
	r, _ := newTestRecorder(100)
	r.Record("render", OutcomeSuccess, time.Millisecond, nil)
	r.Record("cache-lookup", OutcomeSuccess, time.Millisecond, nil)

	got := r.Categories()
	if len(got) != 2 || got[0] != "cache-lookup" || got[1] != "render" {
		t.Errorf("Categories() = %v", got)
	}
}
