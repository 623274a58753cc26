//go:build integration

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

var (
	_ subscription.Store         = (*Storage)(nil)
	_ subscription.UserWriter    = (*Storage)(nil)
	_ billing.EventLedger        = (*Storage)(nil)
	_ subscription.SnapshotCache = (*SnapshotCache)(nil)
)

// setupTestRedis starts a throwaway Redis container
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("Skipping test: failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestStorage_Users(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.UserByID(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	require.NoError(t, storage.PutUser(ctx, &subscription.User{ID: "user_1", Email: "ana@example.com", CustomerID: "cus_old"}))

	user, err := storage.UserByCustomerID(ctx, "cus_old")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)

	require.NoError(t, storage.AttachCustomerID(ctx, "user_1", "cus_new"))

	_, err = storage.UserByCustomerID(ctx, "cus_old")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	user, err = storage.UserByCustomerID(ctx, "cus_new")
	require.NoError(t, err)
	assert.Equal(t, "user_1", user.ID)
	assert.Equal(t, "cus_new", user.CustomerID)

	err = storage.AttachCustomerID(ctx, "ghost", "cus_x")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestStorage_Subscriptions(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	end := created.Add(30 * 24 * time.Hour)

	require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
		ID:               "id_1",
		UserID:           "user_1",
		ExternalID:       "sub_1",
		Plan:             "Pro",
		Status:           subscription.StatusActive,
		CurrentPeriodEnd: &end,
		CreatedAt:        created,
		UpdatedAt:        created,
	}))

	// A second upsert keeps the original id and creation time.
	later := created.Add(time.Minute)
	require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
		ID:         "id_other",
		UserID:     "user_1",
		ExternalID: "sub_1",
		Plan:       "Pro",
		Status:     subscription.StatusTrialing,
		CreatedAt:  later,
		UpdatedAt:  later,
	}))

	sub, err := storage.SubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "id_1", sub.ID)
	assert.True(t, created.Equal(sub.CreatedAt))
	assert.Equal(t, subscription.StatusTrialing, sub.Status)

	status := subscription.StatusPastDue
	require.NoError(t, storage.UpdateSubscription(ctx, "sub_1", subscription.SubscriptionUpdate{
		Status:    &status,
		UpdatedAt: later.Add(time.Minute),
	}))
	sub, err = storage.SubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)
	assert.Equal(t, "Pro", sub.Plan)

	err = storage.UpdateSubscription(ctx, "sub_missing", subscription.SubscriptionUpdate{Status: &status})
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	err = storage.UpsertSubscription(ctx, &subscription.Subscription{ExternalID: "sub_2"})
	assert.ErrorIs(t, err, subscription.ErrInvalidSubscription)
}

func TestStorage_CurrentSubscriptionForUser(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.CurrentSubscriptionForUser(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"sub_a", "sub_b"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
			ID: "id_" + id, UserID: "user_1", ExternalID: id, Plan: "Pro",
			Status: subscription.StatusActive, CreatedAt: at, UpdatedAt: at,
		}))
	}

	latest, err := storage.CurrentSubscriptionForUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_b", latest.ExternalID)

	canceled := subscription.StatusCanceled
	require.NoError(t, storage.UpdateSubscription(ctx, "sub_a", subscription.SubscriptionUpdate{
		Status:    &canceled,
		UpdatedAt: base.Add(10 * time.Minute),
	}))

	current, err := storage.CurrentSubscriptionForUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_b", current.ExternalID, "a newer canceled record must not hide an active one")

	require.NoError(t, storage.UpdateSubscription(ctx, "sub_b", subscription.SubscriptionUpdate{
		Status:    &canceled,
		UpdatedAt: base.Add(5 * time.Minute),
	}))

	current, err = storage.CurrentSubscriptionForUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_a", current.ExternalID, "without an entitled record the newest wins")
}

func TestStorage_AuditStream(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, storage.AppendAudit(ctx, &subscription.AuditEntry{
			ID:         id,
			EntityType: subscription.EntitySubscription,
			EntityID:   "sub_1",
			Action:     "customer.subscription.updated",
			Actor:      subscription.ActorStripeWebhook,
			Payload:    map[string]interface{}{"status": "active"},
		}))
	}

	entries, err := storage.AuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a1", entries[0].ID)
	assert.Equal(t, "a2", entries[1].ID)
	assert.Equal(t, "active", entries[1].Payload["status"])
}

func TestStorage_EventLedger(t *testing.T) {
	client := setupTestRedis(t)
	storage, err := New(client, Config{EventTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := storage.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, storage.Mark(ctx, "evt_1"))
	require.NoError(t, storage.Mark(ctx, "evt_1"))

	seen, err = storage.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := client.TTL(ctx, storage.eventKey("evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestSnapshotCache(t *testing.T) {
	cache := NewSnapshotCache(setupTestRedis(t), "")
	ctx := context.Background()

	_, ok := cache.Get(ctx, "user_1")
	assert.False(t, ok)

	plan := "Pro"
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	cache.Set(ctx, "user_1", subscription.Snapshot{Subscribed: true, Plan: &plan, PeriodEnd: &end}, time.Minute)

	snap, ok := cache.Get(ctx, "user_1")
	require.True(t, ok)
	assert.True(t, snap.Subscribed)
	assert.Equal(t, "Pro", *snap.Plan)
	assert.True(t, end.Equal(*snap.PeriodEnd))

	cache.Invalidate(ctx, "user_1")
	_, ok = cache.Get(ctx, "user_1")
	assert.False(t, ok)
}
