package subscription

import (
	"context"
	"testing"
	"time"
)

func TestLRUCache_GetSet(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "user:1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	plan := "Premium"
	cache.Set(ctx, "user:1", Snapshot{Subscribed: true, Plan: &plan}, time.Minute)

	got, ok := cache.Get(ctx, "user:1")
	if !ok {
		t.Fatal("expected hit")
	}
	if !got.Subscribed || got.Plan == nil || *got.Plan != "Premium" {
		t.Errorf("unexpected snapshot %+v", got)
	}

	*got.Plan = "mutated"
	again, _ := cache.Get(ctx, "user:1")
	if *again.Plan != "Premium" {
		t.Error("cache must return copies")
	}

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	cache := NewLRUCache(10)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	cache.Set(ctx, "k", Snapshot{Subscribed: true}, time.Second)
	now = now.Add(2 * time.Second)

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("expired entry must miss")
	}
	if cache.Stats().Size != 0 {
		t.Error("expired entry should be dropped on read")
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache(2)
	ctx := context.Background()

	cache.Set(ctx, "a", Snapshot{}, time.Minute)
	cache.Set(ctx, "b", Snapshot{}, time.Minute)
	cache.Get(ctx, "a")
	cache.Set(ctx, "c", Snapshot{}, time.Minute)

	if _, ok := cache.Get(ctx, "b"); ok {
		t.Error("b was least recently used and should be evicted")
	}
	if _, ok := cache.Get(ctx, "a"); !ok {
		t.Error("a should survive eviction")
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", cache.Stats().Evictions)
	}
}

func TestLRUCache_Invalidate(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	cache.Set(ctx, "k", Snapshot{Subscribed: true}, time.Minute)
	cache.Invalidate(ctx, "k")
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("invalidated entry must miss")
	}
}
