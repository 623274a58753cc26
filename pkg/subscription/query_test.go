package subscription_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/billing/mocks"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
	"github.com/mihaimyh/quoteflow/storage/memory"
)

func newLiveQuery(t *testing.T, provider billing.PaymentProvider) *subscription.LiveQuery {
	t.Helper()
	q, err := subscription.NewLiveQuery(subscription.LiveQueryConfig{Provider: provider})
	require.NoError(t, err)
	return q
}

func TestLiveQuery_ActiveSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	end := testPeriodEnd

	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).
		Return(&billing.Customer{ID: testCustomerID, Email: testEmail}, nil)
	provider.EXPECT().ActiveSubscription(gomock.Any(), testCustomerID).
		Return(&billing.ActiveSubscription{ID: testSubID, Status: "active", PriceID: testPriceID, PeriodEnd: &end}, nil)
	provider.EXPECT().PlanForPrice(gomock.Any(), testPriceID).Return("Pro")

	snap := newLiveQuery(t, provider).Status(context.Background(), subscription.Identity{UserID: testUserID, Email: "Ana@Example.com "})

	assert.True(t, snap.Subscribed)
	require.NotNil(t, snap.Plan)
	assert.Equal(t, "Pro", *snap.Plan)
	require.NotNil(t, snap.PeriodEnd)
	assert.True(t, snap.PeriodEnd.Equal(testPeriodEnd))
}

func TestLiveQuery_NoCustomer(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).Return(nil, billing.ErrCustomerNotFound)

	snap := newLiveQuery(t, provider).Status(context.Background(), subscription.Identity{Email: testEmail})
	assert.Equal(t, subscription.Unsubscribed(), snap)
}

func TestLiveQuery_NoActiveSubscription(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).Return(&billing.Customer{ID: testCustomerID}, nil)
	provider.EXPECT().ActiveSubscription(gomock.Any(), testCustomerID).Return(nil, nil)

	snap := newLiveQuery(t, provider).Status(context.Background(), subscription.Identity{Email: testEmail})
	assert.False(t, snap.Subscribed)
	assert.Nil(t, snap.Plan)
	assert.Nil(t, snap.PeriodEnd)
}

func TestLiveQuery_ProviderErrorFailsSoft(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).Return(&billing.Customer{ID: testCustomerID}, nil)
	provider.EXPECT().ActiveSubscription(gomock.Any(), testCustomerID).Return(nil, errors.New("stripe: 500"))

	snap := newLiveQuery(t, provider).Status(context.Background(), subscription.Identity{Email: testEmail})
	assert.Equal(t, subscription.Unsubscribed(), snap)
}

func TestLiveQuery_LookupReturnsProviderError(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).Return(&billing.Customer{ID: testCustomerID}, nil)
	provider.EXPECT().ActiveSubscription(gomock.Any(), testCustomerID).Return(nil, errors.New("stripe: 500"))

	_, err := newLiveQuery(t, provider).Lookup(context.Background(), subscription.Identity{Email: testEmail})
	assert.Error(t, err)
}

func TestLiveQuery_MissingEmail(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)

	snap := newLiveQuery(t, provider).Status(context.Background(), subscription.Identity{UserID: testUserID})
	assert.False(t, snap.Subscribed)
}

func TestLiveQuery_CircuitOpensAfterFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	provider.EXPECT().FindCustomerByEmail(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("timeout")).Times(2)

	q, err := subscription.NewLiveQuery(subscription.LiveQueryConfig{
		Provider: provider,
		Breaker:  subscription.NewCircuitBreaker(2, time.Hour, nil),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		snap := q.Status(context.Background(), subscription.Identity{Email: testEmail})
		assert.False(t, snap.Subscribed)
	}
}

func TestLiveQuery_CollapsesConcurrentLookups(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockPaymentProvider(ctrl)
	release := make(chan struct{})

	provider.EXPECT().FindCustomerByEmail(gomock.Any(), testEmail).
		DoAndReturn(func(context.Context, string) (*billing.Customer, error) {
			<-release
			return nil, billing.ErrCustomerNotFound
		}).MinTimes(1).MaxTimes(8)

	q := newLiveQuery(t, provider)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.False(t, q.Status(context.Background(), subscription.Identity{Email: testEmail}).Subscribed)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
}

func TestNewLiveQuery_RequiresProvider(t *testing.T) {
	_, err := subscription.NewLiveQuery(subscription.LiveQueryConfig{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestStoredQuery(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	q := subscription.NewStoredQuery(store, nil, nil)
	id := subscription.Identity{UserID: testUserID}

	assert.Equal(t, subscription.Unsubscribed(), q.Status(ctx, id))

	end := testPeriodEnd
	require.NoError(t, store.UpsertSubscription(ctx, &subscription.Subscription{
		UserID: testUserID, ExternalID: testSubID, Plan: "Pro",
		Status: subscription.StatusActive, CurrentPeriodEnd: &end, UpdatedAt: testNow,
	}))

	snap := q.Status(ctx, id)
	assert.True(t, snap.Subscribed)
	require.NotNil(t, snap.Plan)
	assert.Equal(t, "Pro", *snap.Plan)

	assert.False(t, q.Status(ctx, subscription.Identity{Email: testEmail}).Subscribed, "stored lookups need a user id")
}

type brokenStore struct {
	*memory.Storage
}

func (brokenStore) CurrentSubscriptionForUser(context.Context, string) (*subscription.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestStoredQuery_StoreErrorFailsSoft(t *testing.T) {
	q := subscription.NewStoredQuery(brokenStore{memory.New()}, nil, nil)
	assert.Equal(t, subscription.Unsubscribed(), q.Status(context.Background(), subscription.Identity{UserID: testUserID}))
}

type countingLookup struct {
	calls int
	snap  subscription.Snapshot
	err   error
}

func (c *countingLookup) Lookup(context.Context, subscription.Identity) (subscription.Snapshot, error) {
	c.calls++
	return c.snap, c.err
}

func TestCachedQuery_CachesSuccess(t *testing.T) {
	plan := "Pro"
	next := &countingLookup{snap: subscription.Snapshot{Subscribed: true, Plan: &plan}}
	q := subscription.NewCachedQuery(next, subscription.NewLRUCache(10), time.Minute, nil, nil)
	id := subscription.Identity{UserID: testUserID}

	for i := 0; i < 3; i++ {
		assert.True(t, q.Status(context.Background(), id).Subscribed)
	}
	assert.Equal(t, 1, next.calls)

	q.Invalidate(context.Background(), id)
	q.Status(context.Background(), id)
	assert.Equal(t, 2, next.calls)
}

func TestCachedQuery_DoesNotCacheFailures(t *testing.T) {
	next := &countingLookup{err: errors.New("provider down")}
	q := subscription.NewCachedQuery(next, subscription.NewLRUCache(10), time.Minute, nil, nil)
	id := subscription.Identity{UserID: testUserID}

	assert.False(t, q.Status(context.Background(), id).Subscribed)
	assert.False(t, q.Status(context.Background(), id).Subscribed)
	assert.Equal(t, 2, next.calls)

	next.err = nil
	next.snap = subscription.Snapshot{Subscribed: true}
	assert.True(t, q.Status(context.Background(), id).Subscribed)
}

func TestIsEntitled(t *testing.T) {
	tests := []struct {
		status subscription.Status
		want   bool
	}{
		{subscription.StatusActive, true},
		{subscription.StatusTrialing, true},
		{subscription.StatusPastDue, false},
		{subscription.StatusCanceled, false},
		{subscription.StatusUnpaid, false},
		{subscription.StatusIncomplete, false},
		{subscription.StatusIncompleteExpired, false},
		{subscription.StatusPaused, false},
		{subscription.Status("something_new"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, subscription.IsEntitled(tt.status))
		})
	}
}

func TestSnapshotOf(t *testing.T) {
	assert.Equal(t, subscription.Unsubscribed(), subscription.SnapshotOf(nil))

	snap := subscription.SnapshotOf(&subscription.Subscription{Status: subscription.StatusActive})
	assert.True(t, snap.Subscribed)
	assert.Nil(t, snap.Plan, "empty plan is reported as null")
}

func TestCurrent(t *testing.T) {
	at := func(id string, status subscription.Status, minutes int) *subscription.Subscription {
		return &subscription.Subscription{
			ExternalID: id, Status: status, UpdatedAt: testNow.Add(time.Duration(minutes) * time.Minute),
		}
	}

	tests := []struct {
		name string
		subs []*subscription.Subscription
		want string
	}{
		{"empty", nil, ""},
		{"single", []*subscription.Subscription{at("sub_a", subscription.StatusCanceled, 0)}, "sub_a"},
		{
			"entitled beats newer canceled",
			[]*subscription.Subscription{at("sub_a", subscription.StatusActive, 0), at("sub_b", subscription.StatusCanceled, 5)},
			"sub_a",
		},
		{
			"newest entitled",
			[]*subscription.Subscription{at("sub_a", subscription.StatusTrialing, 0), at("sub_b", subscription.StatusActive, 5)},
			"sub_b",
		},
		{
			"newest when none entitled",
			[]*subscription.Subscription{at("sub_a", subscription.StatusPastDue, 9), at("sub_b", subscription.StatusCanceled, 5)},
			"sub_a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subscription.Current(tt.subs)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ExternalID)
		})
	}
}
