package subscription

import "context"

// Store is the persistence layer for users, subscriptions and the audit log.
type Store interface {
	// UserByID returns ErrUserNotFound when the user does not exist.
	UserByID(ctx context.Context, userID string) (*User, error)

	// UserByCustomerID returns ErrUserNotFound when no user carries the customer id.
	UserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// AttachCustomerID sets the provider customer id on a user.
	AttachCustomerID(ctx context.Context, userID, customerID string) error

	// UpsertSubscription inserts or replaces the record keyed by sub.ExternalID.
	// An existing record keeps its ID and CreatedAt.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription applies upd to the record keyed by externalID.
	// Returns ErrSubscriptionNotFound when there is no such record.
	UpdateSubscription(ctx context.Context, externalID string, upd SubscriptionUpdate) error

	// SubscriptionByExternalID returns ErrSubscriptionNotFound when missing.
	SubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// CurrentSubscriptionForUser returns the record that answers for a user as
	// chosen by Current: entitled records win over newer non-entitled ones.
	// Returns ErrSubscriptionNotFound when the user has no records.
	CurrentSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)

	// AppendAudit inserts an audit entry. Entries are never updated.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// UserWriter is implemented by stores that can provision users directly.
// Production users are created at sign-up outside this service.
type UserWriter interface {
	PutUser(ctx context.Context, user *User) error
}
