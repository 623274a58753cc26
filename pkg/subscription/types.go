package subscription

import "time"

// Status is the lifecycle state of a subscription record. Provider values outside
// the constants below are stored as-is.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
)

// Audit vocabulary.
const (
	ActorStripeWebhook       = "stripe_webhook"
	EntitySubscription       = "subscription"
	EntityInvoice            = "invoice"
	DefaultPlan              = "Premium"
	metadataUserIDKey        = "user_id"
	auditKeyEventID          = "event_id"
	auditKeyEventType        = "event_type"
	auditKeyUserID           = "user_id"
	auditKeyCustomerID       = "customer_id"
	auditKeySubscriptionID   = "subscription_id"
	auditKeyStatus           = "status"
	auditKeyPreviousStatus   = "previous_status"
	auditKeyPlan             = "plan"
	auditKeyPeriodEnd        = "current_period_end"
	auditKeyAmountPaid       = "amount_paid"
	auditKeyAmountDue        = "amount_due"
	auditKeyCurrency         = "currency"
	auditKeyAttemptCount     = "attempt_count"
	auditKeyUnsigned         = "unsigned"
	auditKeyRecordMissing    = "record_missing"
	auditKeyCustomerAttached = "customer_attached"
)

// User is the application account a subscription belongs to.
type User struct {
	ID    string
	Email string
	// CustomerID is the payment provider customer id, empty until the first
	// paying relationship is established.
	CustomerID string
}

// Subscription is the persisted record of one provider subscription.
type Subscription struct {
	ID               string
	UserID           string
	ExternalID       string
	Plan             string
	Status           Status
	CurrentPeriodEnd *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionUpdate is a partial update keyed by external subscription id.
// Nil fields are left unchanged.
type SubscriptionUpdate struct {
	Status           *Status
	CurrentPeriodEnd *time.Time
	Plan             *string
	UpdatedAt        time.Time
}

// Apply copies the set fields of u onto sub.
func (u SubscriptionUpdate) Apply(sub *Subscription) {
	if u.Status != nil {
		sub.Status = *u.Status
	}
	if u.CurrentPeriodEnd != nil {
		t := *u.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &t
	}
	if u.Plan != nil {
		sub.Plan = *u.Plan
	}
	if !u.UpdatedAt.IsZero() {
		sub.UpdatedAt = u.UpdatedAt
	}
}

// AuditEntry is an immutable audit log record.
type AuditEntry struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	Actor      string                 `json:"actor"`
	Payload    map[string]interface{} `json:"payload"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Identity is the authenticated caller of the query service.
type Identity struct {
	UserID string
	Email  string
}

// Snapshot is the answer of the query service.
type Snapshot struct {
	Subscribed bool       `json:"subscribed"`
	Plan       *string    `json:"plan"`
	PeriodEnd  *time.Time `json:"periodEnd"`
}

// Unsubscribed is the fail-soft answer.
func Unsubscribed() Snapshot {
	return Snapshot{Subscribed: false}
}
