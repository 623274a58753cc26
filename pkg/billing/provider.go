package billing

import (
	"context"
	"time"
)

// Customer is a provider-side customer record.
type Customer struct {
	ID     string
	Email  string
	UserID string
}

// ActiveSubscription is the provider view of a customer's current subscription.
type ActiveSubscription struct {
	ID        string
	Status    string
	PriceID   string
	PeriodEnd *time.Time
}

// CheckoutRequest describes a hosted checkout for a subscription purchase.
type CheckoutRequest struct {
	CustomerID string
	UserID     string
	// Origin is the frontend base URL used for success and cancel redirects.
	Origin string
}

// PaymentProvider is the outbound client to the payment provider.
// Implementations are constructed once and shared.
type PaymentProvider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// FindCustomerByEmail returns ErrCustomerNotFound when no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)

	// CreateCustomer creates a customer tagged with the application user id.
	CreateCustomer(ctx context.Context, email, userID string) (*Customer, error)

	// ActiveSubscription returns nil, nil when the customer has no active subscription.
	ActiveSubscription(ctx context.Context, customerID string) (*ActiveSubscription, error)

	// PlanForPrice resolves a price id to a plan name.
	PlanForPrice(ctx context.Context, priceID string) string

	// CheckoutURL creates a hosted checkout session and returns its URL.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error)

	// PortalURL creates a billing portal session and returns its URL.
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// EventLedger remembers processed event ids so redeliveries can be skipped.
type EventLedger interface {
	// Seen reports whether eventID was already marked.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID as processed.
	Mark(ctx context.Context, eventID string) error
}
