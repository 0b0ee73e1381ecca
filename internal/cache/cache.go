// Package cache is the content-addressed result cache for rendered
// artifacts. It keeps a fast in-process index in front of a durable Redis
// tier; artifact bytes live on disk via the artifact store.
//
// Invariant: at most one entry per fingerprint. Store overwrites, never
// duplicates. A write failure leaves the cache cold for that fingerprint
// but never fails the job that produced the artifact.
package cache

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Entry describes one cached artifact.
type Entry struct {
	Fingerprint    string    `json:"fingerprint"`
	Location       string    `json:"location"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Expired reports whether the entry is past its TTL.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ArtifactStore persists artifact bytes outside the cache index.
type ArtifactStore interface {
	Persist(fingerprint string, data []byte) (string, error)
	Remove(location string) error
}

// Stats is the cache observability snapshot.
type Stats struct {
	EntryCount     int   `json:"entry_count"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	HitCount       int64 `json:"hit_count"`
	MissCount      int64 `json:"miss_count"`
}

// Cache is safe for concurrent use. All index mutations happen under one
// mutex; readers get copies, never references into mutable state.
type Cache struct {
	store    ArtifactStore
	durable  *RedisTier // nil when Redis is not configured
	maxBytes int64

	mu         sync.RWMutex
	entries    map[string]Entry
	totalBytes int64
	hits       int64
	misses     int64

	now func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithDurableTier attaches the Redis tier so entries survive restarts.
func WithDurableTier(t *RedisTier) Option {
	return func(c *Cache) { c.durable = t }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache bounded by maxTotalBytes.
func New(store ArtifactStore, maxTotalBytes int64, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		maxBytes: maxTotalBytes,
		entries:  make(map[string]Entry),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns the entry for a fingerprint if present and unexpired.
// A memory miss falls through to the durable tier and repopulates the
// index, so a restarted process warms itself on demand.
func (c *Cache) Lookup(ctx context.Context, fp string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[fp]
	if ok && !e.Expired(now) {
		e.LastAccessedAt = now
		c.entries[fp] = e
		c.hits++
		c.mu.Unlock()
		return e, true
	}
	if ok {
		// Expired in place; drop it so the sweep has less to do.
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if c.durable != nil {
		if e, ok := c.durable.get(ctx, fp); ok && !e.Expired(now) {
			c.mu.Lock()
			e.LastAccessedAt = now
			c.entries[fp] = e
			c.totalBytes += e.SizeBytes
			c.hits++
			c.mu.Unlock()
			return e, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Entry{}, false
}

// Store persists the artifact and records the entry in both tiers,
// overwriting any previous entry for the fingerprint. The error return is
// informational: callers deliver the artifact regardless.
func (c *Cache) Store(ctx context.Context, fp string, data []byte, ttl time.Duration) (Entry, error) {
	now := c.now()
	location, err := c.store.Persist(fp, data)
	if err != nil {
		log.Printf("cache: persist artifact for %s failed: %v", fp, err)
		return Entry{}, err
	}

	e := Entry{
		Fingerprint:    fp,
		Location:       location,
		SizeBytes:      int64(len(data)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}

	c.mu.Lock()
	if old, ok := c.entries[fp]; ok {
		c.totalBytes -= old.SizeBytes
	}
	c.entries[fp] = e
	c.totalBytes += e.SizeBytes
	c.mu.Unlock()

	if c.durable != nil {
		if err := c.durable.put(ctx, e, ttl); err != nil {
			// Memory tier already has the entry; durability is degraded,
			// not correctness.
			log.Printf("cache: durable tier write for %s failed: %v", fp, err)
		}
	}

	c.EvictBySize(ctx, c.maxBytes)
	return e, nil
}

// EvictExpired removes every entry past its TTL and returns the count.
func (c *Cache) EvictExpired(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var expired []Entry
	for _, e := range c.entries {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.dropArtifact(ctx, e)
	}
	return len(expired)
}

// EvictBySize removes entries oldest-by-last-access until total stored
// bytes are at or under maxTotalBytes. maxTotalBytes <= 0 disables the
// bound.
func (c *Cache) EvictBySize(ctx context.Context, maxTotalBytes int64) {
	if maxTotalBytes <= 0 {
		return
	}

	c.mu.Lock()
	if c.totalBytes <= maxTotalBytes {
		c.mu.Unlock()
		return
	}
	byAge := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].LastAccessedAt.Before(byAge[j].LastAccessedAt)
	})
	var evicted []Entry
	for _, e := range byAge {
		if c.totalBytes <= maxTotalBytes {
			break
		}
		c.removeLocked(e)
		evicted = append(evicted, e)
	}
	c.mu.Unlock()

	for _, e := range evicted {
		c.dropArtifact(ctx, e)
	}
}

// Purge removes a single fingerprint regardless of expiry (administrative).
func (c *Cache) Purge(ctx context.Context, fp string) bool {
	c.mu.Lock()
	e, ok := c.entries[fp]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if ok {
		c.dropArtifact(ctx, e)
		return true
	}
	// Not in memory; still clear the durable tier.
	if c.durable != nil {
		return c.durable.del(ctx, fp)
	}
	return false
}

// Stats returns the observability snapshot.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		EntryCount:     len(c.entries),
		TotalSizeBytes: c.totalBytes,
		HitCount:       c.hits,
		MissCount:      c.misses,
	}
}

// Len returns the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// removeLocked drops an entry from the index. Callers hold c.mu.
func (c *Cache) removeLocked(e Entry) {
	if _, ok := c.entries[e.Fingerprint]; !ok {
		return
	}
	delete(c.entries, e.Fingerprint)
	c.totalBytes -= e.SizeBytes
}

// dropArtifact clears the durable tier and the artifact file. Runs outside
// the index lock; the entry is already gone from the index so readers can
// no longer hand out the location.
func (c *Cache) dropArtifact(ctx context.Context, e Entry) {
	if c.durable != nil {
		c.durable.del(ctx, e.Fingerprint)
	}
	if err := c.store.Remove(e.Location); err != nil {
		log.Printf("cache: remove artifact %s: %v", e.Location, err)
	}
}
