// Package postgres provides a PostgreSQL implementation of subscription.Store.
// Subscriptions are upserted on their provider id; the audit log is append-only.
// The same pool also backs a billing.EventLedger over the processed_events table.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

//go:embed schema.sql
var schemaSQL string

// Storage implements subscription.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// EventTTL is how long processed webhook event ids are remembered
	EventTTL time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired event ids are purged
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		EventTTL:        72 * time.Hour, // Stripe retries for up to three days
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.EventTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables this adapter uses if they do not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PutUser implements subscription.UserWriter
func (s *Storage) PutUser(ctx context.Context, user *subscription.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, stripe_customer_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				updated_at = now()`,
		user.ID, user.Email, nullString(user.CustomerID),
	)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// UserByID implements subscription.Store
func (s *Storage) UserByID(ctx context.Context, userID string) (*subscription.User, error) {
	return s.queryUser(ctx, `SELECT id, email, stripe_customer_id FROM users WHERE id = $1`, userID)
}

// UserByCustomerID implements subscription.Store
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*subscription.User, error) {
	return s.queryUser(ctx, `SELECT id, email, stripe_customer_id FROM users WHERE stripe_customer_id = $1`, customerID)
}

func (s *Storage) queryUser(ctx context.Context, query, arg string) (*subscription.User, error) {
	var user subscription.User
	var customerID *string

	err := s.pool.QueryRow(ctx, query, arg).Scan(&user.ID, &user.Email, &customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if customerID != nil {
		user.CustomerID = *customerID
	}
	return &user, nil
}

// AttachCustomerID implements subscription.Store
func (s *Storage) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2, updated_at = now() WHERE id = $1`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to attach customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrUserNotFound
	}
	return nil
}

// UpsertSubscription implements subscription.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" || sub.ID == "" {
		return subscription.ErrInvalidSubscription
	}

	now := time.Now().UTC()
	createdAt, updatedAt := sub.CreatedAt, sub.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(id, user_id, stripe_subscription_id, plan, status, current_period_end, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (stripe_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				current_period_end = EXCLUDED.current_period_end,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.ExternalID, sub.Plan, string(sub.Status), sub.CurrentPeriodEnd, createdAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, externalID string, upd subscription.SubscriptionUpdate) error {
	var status *string
	if upd.Status != nil {
		st := string(*upd.Status)
		status = &st
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = COALESCE($2, status),
				current_period_end = COALESCE($3, current_period_end),
				plan = COALESCE($4, plan),
				updated_at = $5
			WHERE stripe_subscription_id = $1`,
		externalID, status, upd.CurrentPeriodEnd, upd.Plan, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrSubscriptionNotFound
	}
	return nil
}

const subscriptionColumns = `id, user_id, stripe_subscription_id, plan, status, current_period_end, created_at, updated_at`

// SubscriptionByExternalID implements subscription.Store
func (s *Storage) SubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	return s.querySubscription(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		externalID)
}

// CurrentSubscriptionForUser implements subscription.Store
func (s *Storage) CurrentSubscriptionForUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.querySubscription(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY (status IN ('active', 'trialing')) DESC, updated_at DESC
			LIMIT 1`,
		userID)
}

func (s *Storage) querySubscription(ctx context.Context, query, arg string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var status string

	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ExternalID,
		&sub.Plan,
		&status,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = subscription.Status(status)
	return &sub, nil
}

// AppendAudit implements subscription.Store
func (s *Storage) AppendAudit(ctx context.Context, entry *subscription.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	payload := entry.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, entity_type, entity_id, action, actor, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor, json.RawMessage(data), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the audit trail of one entity in insertion order
func (s *Storage) AuditEntries(ctx context.Context, entityType, entityID string) ([]subscription.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, actor, payload, created_at
			FROM audit_logs
			WHERE entity_type = $1 AND entity_id = $2
			ORDER BY created_at, id`,
		entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []subscription.AuditEntry
	for rows.Next() {
		var e subscription.AuditEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var processedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT processed_at FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	if s.config.EventTTL > 0 && time.Since(processedAt) >= s.config.EventTTL {
		return false, nil
	}
	return true, nil
}

// Mark implements billing.EventLedger
func (s *Storage) Mark(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at) VALUES ($1, now())
			ON CONFLICT (event_id) DO UPDATE SET processed_at = EXCLUDED.processed_at`,
		eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// startCleanup runs a background goroutine that periodically purges expired event ids
func (s *Storage) startCleanup(ctx context.Context) {
	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.cleanupExpiredEvents(ctx)
		}
	}
}

func (s *Storage) cleanupExpiredEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// Cleanup purges expired event ids now
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.EventTTL <= 0 {
		return nil
	}
	return s.cleanupExpiredEvents(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
