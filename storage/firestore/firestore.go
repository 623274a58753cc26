// Package firestore provides a Firestore implementation of subscription.Store.
// Users, subscriptions, audit entries and processed webhook events each live in
// their own collection.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// Storage implements subscription.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	usersCollection         string
	subscriptionsCollection string
	auditCollection         string
	eventsCollection        string
	eventTTL                time.Duration
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for users
	// Default: "users"
	UsersCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions, keyed by
	// the provider subscription id
	// Default: "subscriptions"
	SubscriptionsCollection string

	// AuditCollection is the Firestore collection for audit log entries
	// Default: "audit_logs"
	AuditCollection string

	// EventsCollection is the Firestore collection for processed webhook event ids
	// Default: "processed_events"
	EventsCollection string

	// EventTTL is how long a processed event id counts as seen
	// Default: 72h
	EventTTL time.Duration
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "audit_logs"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_events"
	}
	if config.EventTTL == 0 {
		config.EventTTL = 72 * time.Hour
	}

	return &Storage{
		client:                  client,
		usersCollection:         config.UsersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		auditCollection:         config.AuditCollection,
		eventsCollection:        config.EventsCollection,
		eventTTL:                config.EventTTL,
	}, nil
}

// PutUser implements subscription.UserWriter
func (s *Storage) PutUser(ctx context.Context, user *subscription.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	data := map[string]interface{}{
		"email":     user.Email,
		"updatedAt": time.Now().UTC(),
	}
	if user.CustomerID != "" {
		data["customerId"] = user.CustomerID
	}

	_, err := s.client.Collection(s.usersCollection).Doc(user.ID).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to put user: %w", err)
	}
	return nil
}

// UserByID implements subscription.Store
func (s *Storage) UserByID(ctx context.Context, userID string) (*subscription.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrUserNotFound
	}
	return userFromSnapshot(snap), nil
}

// UserByCustomerID implements subscription.Store
func (s *Storage) UserByCustomerID(ctx context.Context, customerID string) (*subscription.User, error) {
	iter := s.client.Collection(s.usersCollection).
		Where("customerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, subscription.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user by customer: %w", err)
	}
	return userFromSnapshot(snap), nil
}

// AttachCustomerID implements subscription.Store
func (s *Storage) AttachCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.client.Collection(s.usersCollection).Doc(userID).Update(ctx, []firestore.Update{
		{Path: "customerId", Value: customerID},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return subscription.ErrUserNotFound
		}
		return fmt.Errorf("failed to attach customer: %w", err)
	}
	return nil
}

// UpsertSubscription implements subscription.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" {
		return subscription.ErrInvalidSubscription
	}

	ref := s.subscriptionDoc(sub.ExternalID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		data := subscriptionData(sub)

		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to read subscription: %w", err)
		}
		if err == nil && snap.Exists() {
			existing := snap.Data()
			data["id"] = getString(existing, "id")
			data["createdAt"] = getTime(existing, "createdAt")
		}

		return tx.Set(ref, data)
	})
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, externalID string, upd subscription.SubscriptionUpdate) error {
	ref := s.subscriptionDoc(externalID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subscription.ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to read subscription: %w", err)
		}
		if !snap.Exists() {
			return subscription.ErrSubscriptionNotFound
		}

		updatedAt := upd.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		updates := []firestore.Update{{Path: "updatedAt", Value: updatedAt}}
		if upd.Status != nil {
			updates = append(updates, firestore.Update{Path: "status", Value: string(*upd.Status)})
		}
		if upd.CurrentPeriodEnd != nil {
			updates = append(updates, firestore.Update{Path: "currentPeriodEnd", Value: *upd.CurrentPeriodEnd})
		}
		if upd.Plan != nil {
			updates = append(updates, firestore.Update{Path: "plan", Value: *upd.Plan})
		}
		return tx.Update(ref, updates)
	})
}

// SubscriptionByExternalID implements subscription.Store
func (s *Storage) SubscriptionByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	snap, err := s.subscriptionDoc(externalID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return subscriptionFromSnapshot(snap), nil
}

// CurrentSubscriptionForUser implements subscription.Store
func (s *Storage) CurrentSubscriptionForUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Documents(ctx)
	defer iter.Stop()

	var subs []*subscription.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subscriptions: %w", err)
		}
		subs = append(subs, subscriptionFromSnapshot(snap))
	}
	current := subscription.Current(subs)
	if current == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return current, nil
}

// AppendAudit implements subscription.Store. Create fails if the entry id already exists.
func (s *Storage) AppendAudit(ctx context.Context, entry *subscription.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("invalid audit entry")
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.client.Collection(s.auditCollection).Doc(entry.ID).Create(ctx, map[string]interface{}{
		"entityType": entry.EntityType,
		"entityId":   entry.EntityID,
		"action":     entry.Action,
		"actor":      entry.Actor,
		"payload":    entry.Payload,
		"createdAt":  createdAt,
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntries returns the audit entries recorded for one entity, oldest first
func (s *Storage) AuditEntries(ctx context.Context, entityType, entityID string) ([]subscription.AuditEntry, error) {
	docs, err := s.client.Collection(s.auditCollection).
		Where("entityType", "==", entityType).
		Where("entityId", "==", entityID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	entries := make([]subscription.AuditEntry, 0, len(docs))
	for _, snap := range docs {
		data := snap.Data()
		entry := subscription.AuditEntry{
			ID:         snap.Ref.ID,
			EntityType: getString(data, "entityType"),
			EntityID:   getString(data, "entityId"),
			Action:     getString(data, "action"),
			Actor:      getString(data, "actor"),
			CreatedAt:  getTime(data, "createdAt"),
		}
		if payload, ok := data["payload"].(map[string]interface{}); ok {
			entry.Payload = payload
		}
		entries = append(entries, entry)
	}
	sortAuditEntries(entries)
	return entries, nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	if !snap.Exists() {
		return false, nil
	}
	return getTime(snap.Data(), "expiresAt").After(time.Now()), nil
}

// Mark implements billing.EventLedger. The expiresAt field can back a Firestore TTL policy.
func (s *Storage) Mark(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	_, err := s.client.Collection(s.eventsCollection).Doc(eventID).Set(ctx, map[string]interface{}{
		"processedAt": now,
		"expiresAt":   now.Add(s.eventTTL),
	})
	if err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) subscriptionDoc(externalID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(externalID)
}

func subscriptionData(sub *subscription.Subscription) map[string]interface{} {
	now := time.Now().UTC()
	createdAt, updatedAt := sub.CreatedAt, sub.UpdatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}

	data := map[string]interface{}{
		"id":        sub.ID,
		"userId":    sub.UserID,
		"plan":      sub.Plan,
		"status":    string(sub.Status),
		"createdAt": createdAt,
		"updatedAt": updatedAt,
	}
	if sub.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *sub.CurrentPeriodEnd
	}
	return data
}

func userFromSnapshot(snap *firestore.DocumentSnapshot) *subscription.User {
	data := snap.Data()
	return &subscription.User{
		ID:         snap.Ref.ID,
		Email:      getString(data, "email"),
		CustomerID: getString(data, "customerId"),
	}
}

func subscriptionFromSnapshot(snap *firestore.DocumentSnapshot) *subscription.Subscription {
	data := snap.Data()
	sub := &subscription.Subscription{
		ID:         getString(data, "id"),
		UserID:     getString(data, "userId"),
		ExternalID: snap.Ref.ID,
		Plan:       getString(data, "plan"),
		Status:     subscription.Status(getString(data, "status")),
		CreatedAt:  getTime(data, "createdAt"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}
	if end, ok := data["currentPeriodEnd"].(time.Time); ok && !end.IsZero() {
		sub.CurrentPeriodEnd = &end
	}
	return sub
}

func sortAuditEntries(entries []subscription.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// Helper functions for type conversion

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
