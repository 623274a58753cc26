//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// setupTestStorage starts a throwaway PostgreSQL container and applies the schema
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("quoteflow_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Skipping test: failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config := DefaultConfig()
	config.ConnectionString = dsn
	config.CleanupEnabled = false

	storage, err := New(ctx, config)
	require.NoError(t, err)
	t.Cleanup(storage.Close)

	require.NoError(t, storage.EnsureSchema(ctx))
	require.NoError(t, storage.EnsureSchema(ctx), "schema must be idempotent")
	return storage
}

func TestStorage_Users(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.UserByID(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	require.NoError(t, storage.PutUser(ctx, &subscription.User{ID: "user_1", Email: "ana@example.com"}))

	user, err := storage.UserByID(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Empty(t, user.CustomerID)

	_, err = storage.UserByCustomerID(ctx, "cus_123")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)

	require.NoError(t, storage.AttachCustomerID(ctx, "user_1", "cus_123"))
	user, err = storage.UserByCustomerID(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "user_1", user.ID)

	assert.ErrorIs(t, storage.AttachCustomerID(ctx, "ghost", "cus_999"), subscription.ErrUserNotFound)
}

func TestStorage_SubscriptionUpsertAndUpdate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.PutUser(ctx, &subscription.User{ID: "user_1", Email: "ana@example.com"}))

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
		ID: "row_1", UserID: "user_1", ExternalID: "sub_123", Plan: "Premium",
		Status: subscription.StatusActive, CurrentPeriodEnd: &end,
		CreatedAt: created, UpdatedAt: created,
	}))

	// A second upsert keeps the row id and creation time
	later := created.Add(time.Hour)
	require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
		ID: "row_other", UserID: "user_1", ExternalID: "sub_123", Plan: "Pro",
		Status: subscription.StatusTrialing, CreatedAt: later, UpdatedAt: later,
	}))

	sub, err := storage.SubscriptionByExternalID(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "row_1", sub.ID)
	assert.True(t, sub.CreatedAt.Equal(created))
	assert.Equal(t, "Pro", sub.Plan)
	assert.Equal(t, subscription.StatusTrialing, sub.Status)
	assert.Nil(t, sub.CurrentPeriodEnd)

	pastDue := subscription.StatusPastDue
	require.NoError(t, storage.UpdateSubscription(ctx, "sub_123", subscription.SubscriptionUpdate{
		Status: &pastDue, CurrentPeriodEnd: &end, UpdatedAt: later.Add(time.Hour),
	}))
	sub, err = storage.SubscriptionByExternalID(ctx, "sub_123")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, sub.Status)
	assert.Equal(t, "Pro", sub.Plan, "unset fields are left unchanged")
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(end))

	err = storage.UpdateSubscription(ctx, "sub_missing", subscription.SubscriptionUpdate{Status: &pastDue})
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	assert.ErrorIs(t, storage.UpsertSubscription(ctx, &subscription.Subscription{ID: "x"}), subscription.ErrInvalidSubscription)
}

func TestStorage_CurrentSubscriptionForUser(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	require.NoError(t, storage.PutUser(ctx, &subscription.User{ID: "user_1", Email: "ana@example.com"}))

	_, err := storage.CurrentSubscriptionForUser(ctx, "user_1")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range []subscription.Status{subscription.StatusCanceled, subscription.StatusActive} {
		require.NoError(t, storage.UpsertSubscription(ctx, &subscription.Subscription{
			ID: fmt.Sprintf("row_%d", i), UserID: "user_1", ExternalID: fmt.Sprintf("sub_%d", i),
			Plan: "Premium", Status: status, UpdatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	current, err := storage.CurrentSubscriptionForUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", current.ExternalID)

	canceled := subscription.StatusCanceled
	require.NoError(t, storage.UpdateSubscription(ctx, "sub_0", subscription.SubscriptionUpdate{
		Status: &canceled, UpdatedAt: base.Add(5 * time.Hour),
	}))
	current, err = storage.CurrentSubscriptionForUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", current.ExternalID, "a late cancel on another record keeps the active one current")
}

func TestStorage_AuditLog(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for i, action := range []string{"invoice_payment_failed", "invoice_paid"} {
		require.NoError(t, storage.AppendAudit(ctx, &subscription.AuditEntry{
			ID:         fmt.Sprintf("audit_%d", i),
			EntityType: subscription.EntityInvoice,
			EntityID:   "in_1",
			Action:     action,
			Actor:      subscription.ActorStripeWebhook,
			Payload:    map[string]interface{}{"subscription_id": "sub_123", "amount_paid": 990},
			CreatedAt:  time.Date(2024, 3, 1, 12, i, 0, 0, time.UTC),
		}))
	}

	entries, err := storage.AuditEntries(ctx, subscription.EntityInvoice, "in_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "invoice_paid", entries[1].Action)
	assert.Equal(t, "sub_123", entries[1].Payload["subscription_id"])
	assert.EqualValues(t, 990, entries[1].Payload["amount_paid"])
}

func TestStorage_EventLedger(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()
	var _ billing.EventLedger = storage

	seen, err := storage.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, storage.Mark(ctx, "evt_1"))
	require.NoError(t, storage.Mark(ctx, "evt_1"))

	seen, err = storage.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	_, err = storage.pool.Exec(ctx, `UPDATE processed_events SET processed_at = now() - interval '100 hours'`)
	require.NoError(t, err)
	seen, err = storage.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "expired ids are forgotten")

	require.NoError(t, storage.Cleanup(ctx))
	var count int
	require.NoError(t, storage.pool.QueryRow(ctx, `SELECT count(*) FROM processed_events`).Scan(&count))
	assert.Zero(t, count)
}
