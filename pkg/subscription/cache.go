package subscription

import (
	"context"
	"sync"
	"time"
)

// SnapshotCache caches query answers per user.
type SnapshotCache interface {
	// Get returns the cached snapshot and true if present and not expired.
	Get(ctx context.Context, key string) (Snapshot, bool)

	// Set stores a snapshot with TTL.
	Set(ctx context.Context, key string, snap Snapshot, ttl time.Duration)

	// Invalidate removes a cached snapshot.
	Invalidate(ctx context.Context, key string)
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	value      Snapshot
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// LRUCache is an in-memory SnapshotCache with TTL and least-recently-used eviction.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	maxSize   int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
	now       func() time.Time
}

// NewLRUCache creates a cache holding at most maxSize snapshots (default 1000).
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (c *LRUCache) Get(_ context.Context, key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiration) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return Snapshot{}, false
	}

	c.sequence++
	entry.accessTime = now
	entry.sequence = c.sequence
	c.hits++
	return copySnapshot(entry.value), true
}

func (c *LRUCache) Set(_ context.Context, key string, snap Snapshot, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.sequence++
	c.entries[key] = &cacheEntry{
		value:      copySnapshot(snap),
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.sequence,
	}
}

func (c *LRUCache) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stats returns cache statistics
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for k, e := range c.entries {
		if oldest == nil || e.accessTime.Before(oldest.accessTime) ||
			(e.accessTime.Equal(oldest.accessTime) && e.sequence < oldest.sequence) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{Subscribed: s.Subscribed}
	if s.Plan != nil {
		p := *s.Plan
		out.Plan = &p
	}
	if s.PeriodEnd != nil {
		t := *s.PeriodEnd
		out.PeriodEnd = &t
	}
	return out
}
