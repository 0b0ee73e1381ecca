package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// setupDurable starts a miniredis instance and returns a cache backed by it.
func setupDurable(t *testing.T) (*miniredis.Miniredis, *Cache, *memStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	tier, err := NewRedisTier(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("failed to connect tier: %v", err)
	}
	t.Cleanup(func() { tier.Close() })

	store := newMemStore()
	c := New(store, 0, WithDurableTier(tier))
	return mr, c, store
}

func TestDurableTierRoundTrip(t *testing.T) {
	mr, c, _ := setupDurable(t)
	ctx := context.Background()

	if _, err := c.Store(ctx, "fp1", []byte("artifact"), time.Hour); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if !mr.Exists(keyPrefix + "fp1") {
		t.Error("entry not written to redis tier")
	}

	ttl := mr.TTL(keyPrefix + "fp1")
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("redis TTL = %v, want (0, 1h]", ttl)
	}
}

func TestColdStartWarmsFromDurableTier(t *testing.T) {
	mr, c, store := setupDurable(t)
	ctx := context.Background()

	if _, err := c.Store(ctx, "fp1", []byte("artifact"), time.Hour); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Simulate a restart: fresh index over the same redis and artifacts.
	tier, err := NewRedisTier(ctx, "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("reconnect tier: %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	restarted := New(store, 0, WithDurableTier(tier))

	if restarted.Len() != 0 {
		t.Fatalf("fresh index Len() = %d, want 0", restarted.Len())
	}
	e, ok := restarted.Lookup(ctx, "fp1")
	if !ok {
		t.Fatal("Lookup() after restart missed, want warm from redis")
	}
	if e.Fingerprint != "fp1" {
		t.Errorf("Fingerprint = %s, want fp1", e.Fingerprint)
	}
	if restarted.Len() != 1 {
		t.Errorf("index not repopulated, Len() = %d", restarted.Len())
	}
}

func TestDurableTierExpiry(t *testing.T) {
	mr, c, store := setupDurable(t)
	ctx := context.Background()

	c.Store(ctx, "fp1", []byte("artifact"), time.Minute)
	mr.FastForward(2 * time.Minute)

	// Redis dropped the key; a fresh index cannot warm from it.
	tier, err := NewRedisTier(ctx, "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("reconnect tier: %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	restarted := New(store, 0, WithDurableTier(tier))

	if _, ok := restarted.Lookup(ctx, "fp1"); ok {
		t.Error("Lookup() hit after redis TTL expiry, want miss")
	}
}

func TestPurgeClearsDurableTier(t *testing.T) {
	mr, c, _ := setupDurable(t)
	ctx := context.Background()

	c.Store(ctx, "fp1", []byte("artifact"), time.Hour)
	c.Purge(ctx, "fp1")

	if mr.Exists(keyPrefix + "fp1") {
		t.Error("purged entry still present in redis tier")
	}
}
