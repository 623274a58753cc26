package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// SnapshotCache implements subscription.SnapshotCache with Redis key expiry,
// so cached answers are shared by every instance of the service.
type SnapshotCache struct {
	client redis.UniversalClient
	prefix string
}

// NewSnapshotCache creates a cache storing entries under prefix + "snapshot:".
func NewSnapshotCache(client redis.UniversalClient, prefix string) *SnapshotCache {
	if prefix == "" {
		prefix = "quoteflow:"
	}
	return &SnapshotCache{client: client, prefix: prefix + "snapshot:"}
}

// Get implements subscription.SnapshotCache. Errors read as misses.
func (c *SnapshotCache) Get(ctx context.Context, key string) (subscription.Snapshot, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return subscription.Snapshot{}, false
	}
	var snap subscription.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return subscription.Snapshot{}, false
	}
	return snap, true
}

// Set implements subscription.SnapshotCache
func (c *SnapshotCache) Set(ctx context.Context, key string, snap subscription.Snapshot, ttl time.Duration) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Invalidate implements subscription.SnapshotCache
func (c *SnapshotCache) Invalidate(ctx context.Context, key string) {
	_ = c.client.Del(ctx, c.prefix+key).Err()
}
