// Package redis provides a Redis implementation of subscription.Store.
// Records are JSON documents; multi-key changes run as Lua scripts so they are atomic.
// The audit log is a Redis Stream. The package also provides a billing.EventLedger
// and a subscription.SnapshotCache on the same client.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// Storage implements subscription.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quoteflow:")
	KeyPrefix string

	// AuditStreamMaxLen caps the audit stream (approximate trimming, 0 = unbounded)
	AuditStreamMaxLen int64

	// EventTTL is how long processed webhook event ids are remembered
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "quoteflow:",
		AuditStreamMaxLen: 0,
		EventTTL:          72 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "quoteflow:"
	}
	if config.EventTTL == 0 {
		config.EventTTL = 72 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Upsert a subscription document, keeping id and created_at of an existing one,
	// and index it under its user by update time.
	s.scripts["upsert"] = redis.NewScript(`
		local subKey = KEYS[1]
		local doc = cjson.decode(ARGV[1])
		local externalID = ARGV[2]
		local userSubsPrefix = ARGV[3]
		local score = tonumber(ARGV[4])

		local current = redis.call('GET', subKey)
		if current then
			local old = cjson.decode(current)
			doc.id = old.id
			doc.created_at = old.created_at
			if old.user_id ~= doc.user_id then
				redis.call('ZREM', userSubsPrefix .. old.user_id, externalID)
			end
		end

		redis.call('SET', subKey, cjson.encode(doc))
		redis.call('ZADD', userSubsPrefix .. doc.user_id, score, externalID)
		return 1
	`)

	// Apply a partial update. Empty ARGV values leave the field unchanged.
	s.scripts["update"] = redis.NewScript(`
		local subKey = KEYS[1]
		local status = ARGV[1]
		local periodEnd = ARGV[2]
		local hasPlan = ARGV[3]
		local plan = ARGV[4]
		local updatedAt = ARGV[5]
		local score = tonumber(ARGV[6])
		local externalID = ARGV[7]
		local userSubsPrefix = ARGV[8]

		local current = redis.call('GET', subKey)
		if not current then
			return 0
		end

		local doc = cjson.decode(current)
		if status ~= '' then doc.status = status end
		if periodEnd ~= '' then doc.current_period_end = periodEnd end
		if hasPlan == '1' then doc.plan = plan end
		doc.updated_at = updatedAt

		redis.call('SET', subKey, cjson.encode(doc))
		redis.call('ZADD', userSubsPrefix .. doc.user_id, score, externalID)
		return 1
	`)

	// Move the customer index of a user to a new customer id.
	s.scripts["attach"] = redis.NewScript(`
		local userKey = KEYS[1]
		local customerPrefix = ARGV[1]
		local customerID = ARGV[2]
		local userID = ARGV[3]

		local current = redis.call('GET', userKey)
		if not current then
			return 0
		end

		local doc = cjson.decode(current)
		if doc.customer_id and doc.customer_id ~= '' and doc.customer_id ~= cjson.null then
			redis.call('DEL', customerPrefix .. doc.customer_id)
		end
		doc.customer_id = customerID
		redis.call('SET', userKey, cjson.encode(doc))
		redis.call('SET', customerPrefix .. customerID, userID)
		return 1
	`)
}

type userDoc struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	CustomerID string `json:"customer_id,omitempty"`
}

type subscriptionDoc struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	ExternalID       string `json:"external_id"`
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	CurrentPeriodEnd string `json:"current_period_end,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func toSubscriptionDoc(sub *subscription.Subscription) subscriptionDoc {
	doc := subscriptionDoc{
		ID:         sub.ID,
		UserID:     sub.UserID,
		ExternalID: sub.ExternalID,
		Plan:       sub.Plan,
		Status:     string(sub.Status),
		CreatedAt:  formatTime(sub.CreatedAt),
		UpdatedAt:  formatTime(sub.UpdatedAt),
	}
	if sub.CurrentPeriodEnd != nil {
		doc.CurrentPeriodEnd = formatTime(*sub.CurrentPeriodEnd)
	}
	return doc
}

func (d subscriptionDoc) toSubscription() (*subscription.Subscription, error) {
	sub := &subscription.Subscription{
		ID:         d.ID,
		UserID:     d.UserID,
		ExternalID: d.ExternalID,
		Plan:       d.Plan,
		Status:     subscription.Status(d.Status),
	}
	var err error
	if sub.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return nil, err
	}
	if d.CurrentPeriodEnd != "" {
		end, err := parseTime(d.CurrentPeriodEnd)
		if err != nil {
			return nil, err
		}
		sub.CurrentPeriodEnd = &end
	}
	return sub, nil
}

// PutUser implements subscription.UserWriter
func (s *Storage) PutUser(ctx context.Context, user *subscription.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	data, err := json.Marshal(userDoc{ID: user.ID, Email: user.Email})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	if err := s.client.Set(ctx, s.userKey(user.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	if user.CustomerID != "" {
		return s.AttachCustomerID(ctx, user.ID, user.CustomerID)
	}
	return nil
}

// UserByID implements subscription.Store
func (s *Storage) UserByID(ctx context.Context, userID string) (*subscription.User, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var doc userDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &subscription.User{ID: doc.ID, Email: doc.Email, CustomerID: doc.CustomerID}, nil
}

// UserByCustomerID implements subscription.Store
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*subscription.User, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.UserByID(ctx, userID)
}

// AttachCustomerID implements subscription.Store
func (s *Storage) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	res, err := s.scripts["attach"].Run(ctx, s.client,
		[]string{s.userKey(userID)},
		s.config.KeyPrefix+"customer:", customerID, userID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to attach customer: %w", err)
	}
	if res == 0 {
		return subscription.ErrUserNotFound
	}
	return nil
}

// UpsertSubscription implements subscription.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" {
		return subscription.ErrInvalidSubscription
	}

	now := time.Now().UTC()
	copied := *sub
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = now
	}

	data, err := json.Marshal(toSubscriptionDoc(&copied))
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	err = s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.subscriptionKey(sub.ExternalID)},
		string(data), sub.ExternalID, s.userSubsPrefix(), score(copied.UpdatedAt),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, externalID string, upd subscription.SubscriptionUpdate) error {
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var status, periodEnd, hasPlan, plan string
	if upd.Status != nil {
		status = string(*upd.Status)
	}
	if upd.CurrentPeriodEnd != nil {
		periodEnd = formatTime(*upd.CurrentPeriodEnd)
	}
	if upd.Plan != nil {
		hasPlan, plan = "1", *upd.Plan
	}

	res, err := s.scripts["update"].Run(ctx, s.client,
		[]string{s.subscriptionKey(externalID)},
		status, periodEnd, hasPlan, plan, formatTime(updatedAt), score(updatedAt), externalID, s.userSubsPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if res == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

// SubscriptionByExternalID implements subscription.Store
func (s *Storage) SubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	data, err := s.client.Get(ctx, s.subscriptionKey(externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var doc subscriptionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return doc.toSubscription()
}

// CurrentSubscriptionForUser implements subscription.Store
func (s *Storage) CurrentSubscriptionForUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	ids, err := s.client.ZRevRange(ctx, s.userSubsPrefix()+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, subscription.ErrSubscriptionNotFound
	}

	// Keys may live in different cluster slots, so no MGET
	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, s.subscriptionKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}

	subs := make([]*subscription.Subscription, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue // index entry without a document
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription: %w", err)
		}
		var doc subscriptionDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		sub, err := doc.toSubscription()
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	current := subscription.Current(subs)
	if current == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return current, nil
}

// AppendAudit implements subscription.Store by adding an entry to the audit stream
func (s *Storage) AppendAudit(ctx context.Context, entry *subscription.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	args := &redis.XAddArgs{
		Stream: s.auditStreamKey(),
		Values: map[string]interface{}{
			"id":          entry.ID,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"action":      entry.Action,
			"actor":       entry.Actor,
			"payload":     string(payload),
			"created_at":  formatTime(createdAt),
		},
	}
	if s.config.AuditStreamMaxLen > 0 {
		args.MaxLen = s.config.AuditStreamMaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns up to count of the most recent audit entries, oldest first
func (s *Storage) AuditEntries(ctx context.Context, count int64) ([]subscription.AuditEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.auditStreamKey(), "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	entries := make([]subscription.AuditEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		entry, err := auditEntryFromValues(msgs[i].Values)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func auditEntryFromValues(values map[string]interface{}) (subscription.AuditEntry, error) {
	str := func(k string) string {
		v, _ := values[k].(string)
		return v
	}
	entry := subscription.AuditEntry{
		ID:         str("id"),
		EntityType: str("entity_type"),
		EntityID:   str("entity_id"),
		Action:     str("action"),
		Actor:      str("actor"),
	}
	if p := str("payload"); p != "" && p != "null" {
		if err := json.Unmarshal([]byte(p), &entry.Payload); err != nil {
			return entry, fmt.Errorf("failed to decode audit payload: %w", err)
		}
	}
	createdAt, err := parseTime(str("created_at"))
	if err != nil {
		return entry, err
	}
	entry.CreatedAt = createdAt
	return entry, nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// Mark implements billing.EventLedger
func (s *Storage) Mark(ctx context.Context, eventID string) error {
	if err := s.client.SetNX(ctx, s.eventKey(eventID), 1, s.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) subscriptionKey(externalID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, externalID)
}

func (s *Storage) userSubsPrefix() string {
	return s.config.KeyPrefix + "user_subs:"
}

func (s *Storage) auditStreamKey() string {
	return s.config.KeyPrefix + "audit"
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	return t, nil
}

// score orders subscriptions by update time at millisecond precision
func score(t time.Time) int64 {
	return t.UnixMilli()
}
