package billing

import "time"

// EventKind is the closed set of provider event types the system reacts to.
type EventKind int

const (
	KindUnhandled EventKind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoicePaid
	KindInvoicePaymentFailed
)

var kindNames = map[EventKind]string{
	KindSubscriptionCreated:  "customer.subscription.created",
	KindSubscriptionUpdated:  "customer.subscription.updated",
	KindSubscriptionDeleted:  "customer.subscription.deleted",
	KindInvoicePaid:          "invoice.paid",
	KindInvoicePaymentFailed: "invoice.payment_failed",
}

var kindActions = map[EventKind]string{
	KindSubscriptionCreated:  "subscription_created",
	KindSubscriptionUpdated:  "subscription_updated",
	KindSubscriptionDeleted:  "subscription_deleted",
	KindInvoicePaid:          "invoice_paid",
	KindInvoicePaymentFailed: "invoice_payment_failed",
}

// ParseEventKind maps a provider event type string to its kind.
// Unknown strings map to KindUnhandled.
func ParseEventKind(eventType string) EventKind {
	for kind, name := range kindNames {
		if name == eventType {
			return kind
		}
	}
	return KindUnhandled
}

// String returns the provider event type string.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unhandled"
}

// Action returns the audit action recorded for events of this kind.
func (k EventKind) Action() string {
	return kindActions[k]
}

// IsSubscription reports whether events of this kind carry a subscription object.
func (k EventKind) IsSubscription() bool {
	return k == KindSubscriptionCreated || k == KindSubscriptionUpdated || k == KindSubscriptionDeleted
}

// IsInvoice reports whether events of this kind carry an invoice object.
func (k EventKind) IsInvoice() bool {
	return k == KindInvoicePaid || k == KindInvoicePaymentFailed
}

// Event is a verified provider notification, decoded into the object its kind
// requires. Subscription is set for subscription kinds, Invoice for invoice kinds.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	Created time.Time

	// Verified is false when the event was accepted without a signing secret.
	Verified bool

	Subscription *SubscriptionObject
	Invoice      *InvoiceObject
}

// SubscriptionObject is the provider subscription carried by an event.
type SubscriptionObject struct {
	ID         string
	CustomerID string
	Status     string
	PriceID    string
	PeriodEnd  *time.Time
	Created    time.Time
	Metadata   map[string]string
}

// InvoiceObject is the provider invoice carried by an event.
type InvoiceObject struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	AttemptCount   int64
}
