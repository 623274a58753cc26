// Package memory provides an in-memory implementation of subscription.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// Storage implements subscription.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	users         map[string]*subscription.User
	byCustomer    map[string]string // customer id -> user id
	subscriptions map[string]*subscription.Subscription
	audit         []subscription.AuditEntry
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:         make(map[string]*subscription.User),
		byCustomer:    make(map[string]string),
		subscriptions: make(map[string]*subscription.Subscription),
	}
}

// PutUser implements subscription.UserWriter
func (s *Storage) PutUser(_ context.Context, user *subscription.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.users[user.ID]; ok && old.CustomerID != "" {
		delete(s.byCustomer, old.CustomerID)
	}
	u := *user
	s.users[u.ID] = &u
	if u.CustomerID != "" {
		s.byCustomer[u.CustomerID] = u.ID
	}
	return nil
}

// UserByID implements subscription.Store
func (s *Storage) UserByID(_ context.Context, userID string) (*subscription.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, subscription.ErrUserNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

// UserByCustomerID implements subscription.Store
func (s *Storage) UserByCustomerID(_ context.Context, customerID string) (*subscription.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, subscription.ErrUserNotFound
	}
	userCopy := *s.users[userID]
	return &userCopy, nil
}

// AttachCustomerID implements subscription.Store
func (s *Storage) AttachCustomerID(_ context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return subscription.ErrUserNotFound
	}
	if u.CustomerID != "" {
		delete(s.byCustomer, u.CustomerID)
	}
	u.CustomerID = customerID
	s.byCustomer[customerID] = userID
	return nil
}

// UpsertSubscription implements subscription.Store
func (s *Storage) UpsertSubscription(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" {
		return subscription.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := copySubscription(sub)
	if existing, ok := s.subscriptions[sub.ExternalID]; ok {
		subCopy.ID = existing.ID
		subCopy.CreatedAt = existing.CreatedAt
	}
	s.subscriptions[sub.ExternalID] = subCopy
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(_ context.Context, externalID string, upd subscription.SubscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return subscription.ErrSubscriptionNotFound
	}
	upd.Apply(sub)
	if upd.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// SubscriptionByExternalID implements subscription.Store
func (s *Storage) SubscriptionByExternalID(_ context.Context, externalID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalID]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// CurrentSubscriptionForUser implements subscription.Store
func (s *Storage) CurrentSubscriptionForUser(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			subs = append(subs, sub)
		}
	}
	current := subscription.Current(subs)
	if current == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return copySubscription(current), nil
}

// AppendAudit implements subscription.Store
func (s *Storage) AppendAudit(_ context.Context, entry *subscription.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("invalid audit entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	e.Payload = make(map[string]interface{}, len(entry.Payload))
	for k, v := range entry.Payload {
		e.Payload[k] = v
	}
	s.audit = append(s.audit, e)
	return nil
}

// AuditLog returns a copy of all audit entries in insertion order.
func (s *Storage) AuditLog() []subscription.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]subscription.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// Subscriptions returns copies of all records ordered by external id.
func (s *Storage) Subscriptions() []*subscription.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, copySubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func copySubscription(sub *subscription.Subscription) *subscription.Subscription {
	c := *sub
	if sub.CurrentPeriodEnd != nil {
		t := *sub.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	return &c
}

// Ledger is an in-memory billing.EventLedger.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewLedger creates a ledger that forgets event ids after ttl (0 keeps them forever).
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Seen implements billing.EventLedger
func (l *Ledger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at, ok := l.seen[eventID]
	if !ok {
		return false, nil
	}
	if l.ttl > 0 && l.now().Sub(at) >= l.ttl {
		delete(l.seen, eventID)
		return false, nil
	}
	return true, nil
}

// Mark implements billing.EventLedger
func (l *Ledger) Mark(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[eventID] = l.now()
	return nil
}
