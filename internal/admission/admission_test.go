package admission

import (
	"sync"
	"testing"
	"time"
)

// fakeBans is an in-memory BanStore.
type fakeBans struct {
	mu       sync.Mutex
	bans     map[string]BanInfo
	recorded []string
	clock    func() time.Time
}

func newFakeBans(clock func() time.Time) *fakeBans {
	return &fakeBans{bans: make(map[string]BanInfo), clock: clock}
}

func (f *fakeBans) BanStatus(identity string) (BanInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bans[identity]
	return b, ok
}

func (f *fakeBans) RecordBan(identity, reason string, duration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, identity)
	f.bans[identity] = BanInfo{
		Identity:  identity,
		Reason:    reason,
		ExpiresAt: f.clock().Add(duration),
	}
	return nil
}

func (f *fakeBans) recordedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

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

func testConfig() Config {
	return Config{
		Window:         60 * time.Second,
		DefaultCeiling: 5,
		Ceilings:       map[string]int{"compile-preset": 10},
		GlobalCeiling:  100,
		AbuseWindow:    time.Hour,
		AbuseThreshold: 8,
		BanDuration:    24 * time.Hour,
	}
}

func newTestController(bans BanStore) (*Controller, *clock) {
	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewController(testConfig(), bans, WithClock(ck.now)), ck
}

func TestCeilingBoundary(t *testing.T) {
	c, _ := newTestController(nil)

	// Exactly ceiling admitted calls succeed inside one window.
	for i := 0; i < 5; i++ {
		if d := c.Check("u1", "compile"); !d.Allowed {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}

	d := c.Check("u1", "compile")
	if d.Allowed {
		t.Fatal("6th call allowed, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
}

func TestWindowReset(t *testing.T) {
	c, ck := newTestController(nil)

	for i := 0; i < 5; i++ {
		c.Check("u1", "compile")
	}
	if d := c.Check("u1", "compile"); d.Allowed {
		t.Fatal("over-ceiling call allowed")
	}

	ck.advance(61 * time.Second)
	if d := c.Check("u1", "compile"); !d.Allowed {
		t.Error("call after window reset denied, want allowed")
	}
}

func TestPerOperationCeiling(t *testing.T) {
	c, _ := newTestController(nil)

	// compile-preset has a higher configured ceiling.
	for i := 0; i < 10; i++ {
		if d := c.Check("u1", "compile-preset"); !d.Allowed {
			t.Fatalf("preset call %d denied, want allowed", i+1)
		}
	}
	if d := c.Check("u1", "compile-preset"); d.Allowed {
		t.Error("11th preset call allowed, want denied")
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	c, _ := newTestController(nil)

	for i := 0; i < 5; i++ {
		c.Check("u1", "compile")
	}
	if d := c.Check("u2", "compile"); !d.Allowed {
		t.Error("u2 denied because of u1's window")
	}
}

func TestGlobalCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalCeiling = 3
	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := NewController(cfg, nil, WithClock(ck.now))

	for i := 0; i < 3; i++ {
		identity := string(rune('a' + i))
		if d := c.Check(identity, "compile"); !d.Allowed {
			t.Fatalf("call %d denied before global ceiling", i+1)
		}
	}
	d := c.Check("z", "compile")
	if d.Allowed {
		t.Fatal("call over global ceiling allowed")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
}

func TestConcurrentChecksNeverOvershoot(t *testing.T) {
	c, _ := newTestController(nil)

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := c.Check("u1", "compile"); d.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != 5 {
		t.Errorf("admitted %d concurrent calls, want exactly 5 (ceiling)", n)
	}
}

func TestAbuseEscalation(t *testing.T) {
	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	bans := newFakeBans(ck.now)
	c := NewController(testConfig(), bans, WithClock(ck.now))

	// Burn the window, then keep hammering to accumulate denials.
	for i := 0; i < 5; i++ {
		c.Check("abuser", "compile")
	}
	for i := 0; i < 8; i++ {
		c.Check("abuser", "compile")
	}

	if bans.recordedCount() != 1 {
		t.Fatalf("recorded bans = %d, want exactly 1", bans.recordedCount())
	}

	// Further denials within the same abuse window do not re-escalate,
	// and the banned identity is now denied outright.
	d := c.Check("abuser", "compile")
	if d.Allowed {
		t.Error("banned identity admitted")
	}
	if !d.Banned {
		t.Error("denial not marked as ban")
	}
	if bans.recordedCount() != 1 {
		t.Errorf("recorded bans = %d after extra denials, want 1", bans.recordedCount())
	}
}

func TestBanExpires(t *testing.T) {
	ck := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	bans := newFakeBans(ck.now)
	c := NewController(testConfig(), bans, WithClock(ck.now))

	bans.RecordBan("u1", "test", time.Hour)
	if d := c.Check("u1", "compile"); d.Allowed || !d.Banned {
		t.Fatalf("Check during ban = %+v, want banned denial", d)
	}

	ck.advance(2 * time.Hour)
	if d := c.Check("u1", "compile"); !d.Allowed {
		t.Error("Check after ban expiry denied, want allowed")
	}
}

func TestResetAndSweep(t *testing.T) {
	c, ck := newTestController(nil)

	for i := 0; i < 5; i++ {
		c.Check("u1", "compile")
	}
	c.Reset("u1", "compile")
	if d := c.Check("u1", "compile"); !d.Allowed {
		t.Error("Check after Reset denied, want allowed")
	}

	c.Check("u2", "compile")
	ck.advance(10 * time.Minute)
	if removed := c.Sweep(); removed != 2 {
		t.Errorf("Sweep() = %d, want 2 stale windows removed", removed)
	}
	if got := c.Stats().ActiveIdentities; got != 0 {
		t.Errorf("ActiveIdentities = %d after sweep, want 0", got)
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestController(nil)

	c.Check("u1", "compile")
	c.Check("u2", "compile")

	s := c.Stats()
	if s.ActiveIdentities != 2 {
		t.Errorf("ActiveIdentities = %d, want 2", s.ActiveIdentities)
	}
	if s.GlobalCount != 2 {
		t.Errorf("GlobalCount = %d, want 2", s.GlobalCount)
	}
	if s.GlobalResetInSeconds <= 0 {
		t.Errorf("GlobalResetInSeconds = %d, want > 0", s.GlobalResetInSeconds)
	}
}
