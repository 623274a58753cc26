package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// Query sources, used as metric labels.
const (
	SourceLive   = "live"
	SourceStored = "stored"
	SourceCache  = "cache"
)

// QueryService answers whether a user is subscribed. Implementations never
// return an error: any lookup failure is reported as not subscribed.
type QueryService interface {
	Status(ctx context.Context, id Identity) Snapshot
}

// Lookup is the error-returning form of a query. Every QueryService in this
// package is built on one, so decorators can tell a soft failure from a real
// "not subscribed".
type Lookup interface {
	Lookup(ctx context.Context, id Identity) (Snapshot, error)
}

// LiveQueryConfig configures a LiveQuery.
type LiveQueryConfig struct {
	Provider billing.PaymentProvider

	// Breaker is optional; a default breaker (5 failures, 30s) is used when nil.
	Breaker *CircuitBreaker

	// Timeout bounds a single provider lookup. Default 5s.
	Timeout time.Duration

	Logger  billing.Logger
	Metrics billing.Metrics
}

// LiveQuery asks the payment provider directly, by email, for an active
// subscription. It never reads or writes persisted state.
type LiveQuery struct {
	provider billing.PaymentProvider
	breaker  *CircuitBreaker
	timeout  time.Duration
	group    singleflight.Group
	logger   billing.Logger
	metrics  billing.Metrics
}

// NewLiveQuery creates a LiveQuery.
func NewLiveQuery(cfg LiveQueryConfig) (*LiveQuery, error) {
	if cfg.Provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	q := &LiveQuery{
		provider: cfg.Provider,
		breaker:  cfg.Breaker,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if q.breaker == nil {
		q.breaker = NewCircuitBreaker(5, 30*time.Second, nil)
	}
	if q.timeout <= 0 {
		q.timeout = 5 * time.Second
	}
	if q.logger == nil {
		q.logger = &billing.NoopLogger{}
	}
	if q.metrics == nil {
		q.metrics = &billing.NoopMetrics{}
	}
	return q, nil
}

// Status looks up the caller's active subscription, failing soft.
func (q *LiveQuery) Status(ctx context.Context, id Identity) Snapshot {
	snap, err := q.Lookup(ctx, id)
	if err != nil {
		q.logger.Warn("live subscription lookup failed",
			billing.F(auditKeyUserID, id.UserID),
			billing.F("error", err),
		)
		q.metrics.RecordQuery(SourceLive, "error")
		return Unsubscribed()
	}
	q.metrics.RecordQuery(SourceLive, outcome(snap))
	return snap
}

// Lookup queries the provider by email. Concurrent lookups for the same email
// share one provider round trip.
func (q *LiveQuery) Lookup(ctx context.Context, id Identity) (Snapshot, error) {
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email == "" {
		return Snapshot{}, ErrMissingIdentity
	}

	v, err, _ := q.group.Do(email, func() (interface{}, error) {
		var snap Snapshot
		err := q.breaker.Execute(func() error {
			var lookupErr error
			snap, lookupErr = q.lookup(ctx, email)
			return lookupErr
		})
		return snap, err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return copySnapshot(v.(Snapshot)), nil
}

func (q *LiveQuery) lookup(ctx context.Context, email string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	customer, err := q.provider.FindCustomerByEmail(ctx, email)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		return Unsubscribed(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("find customer: %w", err)
	}

	active, err := q.provider.ActiveSubscription(ctx, customer.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list active subscriptions: %w", err)
	}
	if active == nil {
		return Unsubscribed(), nil
	}

	plan := q.provider.PlanForPrice(ctx, active.PriceID)
	snap := Snapshot{Subscribed: true, Plan: &plan}
	if active.PeriodEnd != nil {
		end := *active.PeriodEnd
		snap.PeriodEnd = &end
	}
	return snap, nil
}

// StoredQuery reads the persisted subscription record written by the reconciler.
type StoredQuery struct {
	store   Store
	logger  billing.Logger
	metrics billing.Metrics
}

// NewStoredQuery creates a StoredQuery. Logger and metrics may be nil.
func NewStoredQuery(store Store, logger billing.Logger, metrics billing.Metrics) *StoredQuery {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &StoredQuery{store: store, logger: logger, metrics: metrics}
}

// Status reports the current persisted subscription of the caller, failing soft.
func (q *StoredQuery) Status(ctx context.Context, id Identity) Snapshot {
	snap, err := q.Lookup(ctx, id)
	if err != nil {
		q.logger.Warn("stored subscription lookup failed",
			billing.F(auditKeyUserID, id.UserID),
			billing.F("error", err),
		)
		q.metrics.RecordQuery(SourceStored, "error")
		return Unsubscribed()
	}
	q.metrics.RecordQuery(SourceStored, outcome(snap))
	return snap
}

// Lookup reads the current record of the caller.
func (q *StoredQuery) Lookup(ctx context.Context, id Identity) (Snapshot, error) {
	if id.UserID == "" {
		return Snapshot{}, ErrMissingIdentity
	}
	sub, err := q.store.CurrentSubscriptionForUser(ctx, id.UserID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return Unsubscribed(), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(sub), nil
}

// CachedQuery memoizes successful answers of another Lookup.
// Failed lookups are never cached.
type CachedQuery struct {
	next    Lookup
	cache   SnapshotCache
	ttl     time.Duration
	logger  billing.Logger
	metrics billing.Metrics
}

// NewCachedQuery wraps next with cache. A non-positive ttl defaults to one minute.
func NewCachedQuery(next Lookup, cache SnapshotCache, ttl time.Duration,
	logger billing.Logger, metrics billing.Metrics) *CachedQuery {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &CachedQuery{next: next, cache: cache, ttl: ttl, logger: logger, metrics: metrics}
}

// Status returns the cached or freshly looked-up answer, failing soft.
func (q *CachedQuery) Status(ctx context.Context, id Identity) Snapshot {
	snap, err := q.Lookup(ctx, id)
	if err != nil {
		q.logger.Warn("subscription lookup failed",
			billing.F(auditKeyUserID, id.UserID),
			billing.F("error", err),
		)
		q.metrics.RecordQuery(SourceCache, "error")
		return Unsubscribed()
	}
	return snap
}

// Lookup serves from cache, falling through to next on a miss.
func (q *CachedQuery) Lookup(ctx context.Context, id Identity) (Snapshot, error) {
	key := cacheKey(id)
	if key == "" {
		return Snapshot{}, ErrMissingIdentity
	}
	if snap, ok := q.cache.Get(ctx, key); ok {
		q.metrics.RecordQuery(SourceCache, outcome(snap))
		return snap, nil
	}

	snap, err := q.next.Lookup(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	q.metrics.RecordQuery(SourceCache, "miss")
	q.cache.Set(ctx, key, snap, q.ttl)
	return snap, nil
}

// Invalidate drops the cached answer for id.
func (q *CachedQuery) Invalidate(ctx context.Context, id Identity) {
	if key := cacheKey(id); key != "" {
		q.cache.Invalidate(ctx, key)
	}
}

func cacheKey(id Identity) string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	if email := strings.ToLower(strings.TrimSpace(id.Email)); email != "" {
		return "email:" + email
	}
	return ""
}

func outcome(s Snapshot) string {
	if s.Subscribed {
		return "subscribed"
	}
	return "not_subscribed"
}
