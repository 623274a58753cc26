// Package tiered provides a Hot/Cold tiered subscription.Store that puts a fast
// store (Hot, e.g. Redis or memory) in front of a durable one (Cold, e.g. Postgres
// or Firestore), with a different strategy per operation type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 store (e.g., Redis, Memory) serving repeat reads
	Hot subscription.Store

	// Cold is the L2 store (e.g., Postgres, Firestore) and the source of truth
	Cold subscription.Store

	// AsyncAudit appends audit entries to Cold from a background worker.
	// If false, AppendAudit is synchronous.
	AsyncAudit bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// ErrorHandler is called when a Hot write or an async Cold write fails.
	// These failures never fail the caller, so this is where drift becomes visible.
	ErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered subscription store:
//   - Read-Through: users and subscriptions by key (Hot → Cold → populate Hot)
//   - Cold-Primary: the current subscription of a user (Cold → populate Hot)
//   - Write-Through: customer attachment and subscription writes (Cold → Hot)
//   - Cold-Only: the audit log, optionally asynchronous
//   - Hot-Primary: the processed event ledger, when Hot provides one
type Storage struct {
	hot  subscription.Store
	cold subscription.Store
	conf Config

	// Channel for async audit writes
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncAudit {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled), draining queued writes.
func (s *Storage) Close() error {
	if s.conf.AsyncAudit {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so audit entries keep their order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// UserByID implements subscription.Store with read-through strategy.
func (s *Storage) UserByID(ctx context.Context, userID string) (*subscription.User, error) {
	if user, err := s.hot.UserByID(ctx, userID); err == nil {
		return user, nil
	}

	user, err := s.cold.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fillUser(ctx, user)
	return user, nil
}

// UserByCustomerID implements subscription.Store with read-through strategy.
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*subscription.User, error) {
	if user, err := s.hot.UserByCustomerID(ctx, customerID); err == nil {
		return user, nil
	}

	user, err := s.cold.UserByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	s.fillUser(ctx, user)
	return user, nil
}

// SubscriptionByExternalID implements subscription.Store with read-through strategy.
func (s *Storage) SubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	if sub, err := s.hot.SubscriptionByExternalID(ctx, externalID); err == nil {
		return sub, nil
	}

	sub, err := s.cold.SubscriptionByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	_ = s.hot.UpsertSubscription(ctx, sub) //nolint:errcheck // Cache fill - errors are non-critical
	return sub, nil
}

// --- Strategy: Cold-Primary ---

// CurrentSubscriptionForUser implements subscription.Store. Hot may hold only some
// of a user's records, so the answer always comes from Cold.
func (s *Storage) CurrentSubscriptionForUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := s.cold.CurrentSubscriptionForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	_ = s.hot.UpsertSubscription(ctx, sub) //nolint:errcheck // Cache fill - errors are non-critical
	return sub, nil
}

func (s *Storage) fillUser(ctx context.Context, user *subscription.User) {
	if w, ok := s.hot.(subscription.UserWriter); ok {
		_ = w.PutUser(ctx, user) //nolint:errcheck // Cache fill - errors are non-critical
	}
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Cold must be durable first; Hot failures are reported, not returned.

// PutUser implements subscription.UserWriter with write-through strategy.
func (s *Storage) PutUser(ctx context.Context, user *subscription.User) error {
	w, ok := s.cold.(subscription.UserWriter)
	if !ok {
		return fmt.Errorf("tiered storage: cold store cannot write users")
	}
	if err := w.PutUser(ctx, user); err != nil {
		return err
	}
	if hw, ok := s.hot.(subscription.UserWriter); ok {
		s.hotWrite("put user", hw.PutUser(ctx, user))
	}
	return nil
}

// AttachCustomerID implements subscription.Store with write-through strategy.
func (s *Storage) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	if err := s.cold.AttachCustomerID(ctx, userID, customerID); err != nil {
		return err
	}
	err := s.hot.AttachCustomerID(ctx, userID, customerID)
	if errors.Is(err, subscription.ErrUserNotFound) {
		return nil // not cached yet
	}
	s.hotWrite("attach customer", err)
	return nil
}

// UpsertSubscription implements subscription.Store with write-through strategy.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := s.cold.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	s.hotWrite("upsert subscription", s.hot.UpsertSubscription(ctx, sub))
	return nil
}

// UpdateSubscription implements subscription.Store with write-through strategy.
func (s *Storage) UpdateSubscription(ctx context.Context, externalID string, upd subscription.SubscriptionUpdate) error {
	if err := s.cold.UpdateSubscription(ctx, externalID, upd); err != nil {
		return err
	}
	err := s.hot.UpdateSubscription(ctx, externalID, upd)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return nil // not cached yet
	}
	s.hotWrite("update subscription", err)
	return nil
}

func (s *Storage) hotWrite(op string, err error) {
	if err != nil && s.conf.ErrorHandler != nil {
		s.conf.ErrorHandler(fmt.Errorf("tiered hot %s failed: %w", op, err))
	}
}

// --- Strategy: Cold-Only ---

// AppendAudit implements subscription.Store. With AsyncAudit the entry is queued
// for Cold; a full queue falls back to a synchronous write.
func (s *Storage) AppendAudit(ctx context.Context, entry *subscription.AuditEntry) error {
	if !s.conf.AsyncAudit {
		return s.cold.AppendAudit(ctx, entry)
	}

	e := *entry
	job := func() error {
		return s.cold.AppendAudit(context.Background(), &e)
	}
	select {
	case s.syncQueue <- job:
		return nil
	default:
		return s.cold.AppendAudit(ctx, entry)
	}
}

// --- Strategy: Hot-Primary ---

// Ledger returns the processed-event ledger to use with this store: Hot's when it
// has one, else Cold's, else nil.
func (s *Storage) Ledger() billing.EventLedger {
	if l, ok := s.hot.(billing.EventLedger); ok {
		return l
	}
	if l, ok := s.cold.(billing.EventLedger); ok {
		return l
	}
	return nil
}
