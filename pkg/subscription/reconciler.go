package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// PlanResolver names the plan a provider price belongs to.
type PlanResolver interface {
	PlanForPrice(ctx context.Context, priceID string) string
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store Store
	Plans PlanResolver

	// Provider labels metrics, e.g. "stripe".
	Provider string

	Logger  billing.Logger
	Metrics billing.Metrics

	// OnChange is called with the user id after an event was applied, e.g. to
	// invalidate cached query answers.
	OnChange func(ctx context.Context, userID string)

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Reconciler applies verified provider events to the persisted subscription
// state. Each handled event performs at most one subscription write and exactly
// one audit append.
type Reconciler struct {
	store    Store
	plans    PlanResolver
	provider string
	logger   billing.Logger
	metrics  billing.Metrics
	onChange func(ctx context.Context, userID string)
	now      func() time.Time
	newID    func() string
}

// NewReconciler creates a reconciler. Store is required.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("subscription: reconciler requires a store")
	}
	r := &Reconciler{
		store:    cfg.Store,
		plans:    cfg.Plans,
		provider: cfg.Provider,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		onChange: cfg.OnChange,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
	if r.plans == nil {
		r.plans = staticPlan(DefaultPlan)
	}
	if r.provider == "" {
		r.provider = "stripe"
	}
	if r.logger == nil {
		r.logger = &billing.NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &billing.NoopMetrics{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r, nil
}

type staticPlan string

func (p staticPlan) PlanForPrice(context.Context, string) string { return string(p) }

// Handlers returns the event kind -> handler table for a billing.Router.
func (r *Reconciler) Handlers() map[billing.EventKind]billing.HandlerFunc {
	return map[billing.EventKind]billing.HandlerFunc{
		billing.KindSubscriptionCreated:  r.handleSubscriptionCreated,
		billing.KindSubscriptionUpdated:  r.handleSubscriptionUpdated,
		billing.KindSubscriptionDeleted:  r.handleSubscriptionDeleted,
		billing.KindInvoicePaid:          r.handleInvoicePaid,
		billing.KindInvoicePaymentFailed: r.handleInvoicePaymentFailed,
	}
}

// Router builds a billing.Router wired to this reconciler.
func (r *Reconciler) Router() *billing.Router {
	return billing.NewRouter(r.Handlers())
}

func (r *Reconciler) handleSubscriptionCreated(ctx context.Context, event *billing.Event) error {
	obj, err := subscriptionObject(event)
	if err != nil {
		return err
	}

	user, attached, err := r.resolveUser(ctx, obj.CustomerID, obj.Metadata)
	if err != nil {
		return err
	}

	prev, err := r.existing(ctx, obj.ID)
	if err != nil {
		return err
	}

	now := r.now()
	sub := &Subscription{
		ID:               r.newID(),
		UserID:           user.ID,
		ExternalID:       obj.ID,
		Plan:             r.plans.PlanForPrice(ctx, obj.PriceID),
		Status:           Status(obj.Status),
		CurrentPeriodEnd: obj.PeriodEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("upsert subscription %s: %w", obj.ID, err)
	}
	r.recordTransition(prev, sub.Status)

	payload := r.subscriptionPayload(event, user, obj, prev)
	payload[auditKeyPlan] = sub.Plan
	if attached {
		payload[auditKeyCustomerAttached] = true
	}
	return r.audit(ctx, event, user, EntitySubscription, obj.ID, payload)
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *billing.Event) error {
	obj, err := subscriptionObject(event)
	if err != nil {
		return err
	}
	status := Status(obj.Status)
	return r.transitionSubscription(ctx, event, obj, status)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *billing.Event) error {
	obj, err := subscriptionObject(event)
	if err != nil {
		return err
	}
	return r.transitionSubscription(ctx, event, obj, StatusCanceled)
}

// transitionSubscription updates status and period end on the record keyed by the
// event's subscription id. A record that was never created (the created event is
// late or lost) is upserted from the event object instead.
func (r *Reconciler) transitionSubscription(
	ctx context.Context, event *billing.Event, obj *billing.SubscriptionObject, status Status,
) error {
	user, attached, err := r.resolveUser(ctx, obj.CustomerID, obj.Metadata)
	if err != nil {
		return err
	}

	prev, err := r.existing(ctx, obj.ID)
	if err != nil {
		return err
	}

	now := r.now()
	payload := r.subscriptionPayload(event, user, obj, prev)
	payload[auditKeyStatus] = string(status)
	if attached {
		payload[auditKeyCustomerAttached] = true
	}

	if prev == nil {
		sub := &Subscription{
			ID:               r.newID(),
			UserID:           user.ID,
			ExternalID:       obj.ID,
			Plan:             r.plans.PlanForPrice(ctx, obj.PriceID),
			Status:           status,
			CurrentPeriodEnd: obj.PeriodEnd,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := r.store.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("upsert subscription %s: %w", obj.ID, err)
		}
		payload[auditKeyRecordMissing] = true
		payload[auditKeyPlan] = sub.Plan
	} else {
		upd := SubscriptionUpdate{Status: &status, CurrentPeriodEnd: obj.PeriodEnd, UpdatedAt: now}
		if err := r.store.UpdateSubscription(ctx, obj.ID, upd); err != nil {
			return fmt.Errorf("update subscription %s: %w", obj.ID, err)
		}
	}
	r.recordTransition(prev, status)

	return r.audit(ctx, event, user, EntitySubscription, obj.ID, payload)
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *billing.Event) error {
	inv, err := invoiceObject(event)
	if err != nil {
		return err
	}
	user, payload, err := r.applyInvoice(ctx, event, inv, StatusActive)
	if err != nil {
		return err
	}
	payload[auditKeyAmountPaid] = inv.AmountPaid
	payload[auditKeyCurrency] = inv.Currency
	return r.audit(ctx, event, user, EntityInvoice, inv.ID, payload)
}

func (r *Reconciler) handleInvoicePaymentFailed(ctx context.Context, event *billing.Event) error {
	inv, err := invoiceObject(event)
	if err != nil {
		return err
	}
	user, payload, err := r.applyInvoice(ctx, event, inv, StatusPastDue)
	if err != nil {
		return err
	}
	payload[auditKeyAttemptCount] = inv.AttemptCount
	payload[auditKeyAmountDue] = inv.AmountDue
	payload[auditKeyCurrency] = inv.Currency
	return r.audit(ctx, event, user, EntityInvoice, inv.ID, payload)
}

// applyInvoice moves the invoice's subscription to status when the invoice
// references one that is already persisted, and returns the audit payload.
func (r *Reconciler) applyInvoice(
	ctx context.Context, event *billing.Event, inv *billing.InvoiceObject, status Status,
) (*User, map[string]interface{}, error) {
	user, _, err := r.resolveUser(ctx, inv.CustomerID, nil)
	if err != nil {
		return nil, nil, err
	}

	payload := r.basePayload(event, user, inv.CustomerID)
	if inv.SubscriptionID == "" {
		return user, payload, nil
	}
	payload[auditKeySubscriptionID] = inv.SubscriptionID

	prev, err := r.existing(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, nil, err
	}
	if prev == nil {
		r.logger.Warn("invoice references unknown subscription, status not updated",
			billing.F(auditKeyEventType, event.Type),
			billing.F(auditKeyEventID, event.ID),
			billing.F(auditKeySubscriptionID, inv.SubscriptionID),
		)
		payload[auditKeyRecordMissing] = true
		return user, payload, nil
	}

	payload[auditKeyPreviousStatus] = string(prev.Status)
	payload[auditKeyStatus] = string(status)
	upd := SubscriptionUpdate{Status: &status, UpdatedAt: r.now()}
	if err := r.store.UpdateSubscription(ctx, inv.SubscriptionID, upd); err != nil {
		return nil, nil, fmt.Errorf("update subscription %s: %w", inv.SubscriptionID, err)
	}
	r.recordTransition(prev, status)
	return user, payload, nil
}

// resolveUser maps a provider customer id to a user. When no user carries the
// id yet, a user_id in the subscription metadata (set at checkout) is trusted
// once and the customer id is attached to that user.
func (r *Reconciler) resolveUser(
	ctx context.Context, customerID string, metadata map[string]string,
) (*User, bool, error) {
	if customerID == "" {
		return nil, false, fmt.Errorf("%w: event has no customer reference", billing.ErrUnknownCustomer)
	}

	user, err := r.store.UserByCustomerID(ctx, customerID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, fmt.Errorf("resolve customer %s: %w", customerID, err)
	}

	userID := metadata[metadataUserIDKey]
	if userID == "" {
		return nil, false, fmt.Errorf("%w: %s", billing.ErrUnknownCustomer, customerID)
	}
	user, err = r.store.UserByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, false, fmt.Errorf("%w: %s (metadata user %s not found)", billing.ErrUnknownCustomer, customerID, userID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	if user.CustomerID != "" && user.CustomerID != customerID {
		return nil, false, fmt.Errorf("%w: %s (user %s is linked to %s)",
			billing.ErrUnknownCustomer, customerID, userID, user.CustomerID)
	}

	if err := r.store.AttachCustomerID(ctx, user.ID, customerID); err != nil {
		return nil, false, fmt.Errorf("attach customer %s to user %s: %w", customerID, user.ID, err)
	}
	user.CustomerID = customerID
	r.logger.Info("attached billing customer to user",
		billing.F(auditKeyUserID, user.ID),
		billing.F(auditKeyCustomerID, customerID),
	)
	return user, true, nil
}

func (r *Reconciler) existing(ctx context.Context, externalID string) (*Subscription, error) {
	sub, err := r.store.SubscriptionByExternalID(ctx, externalID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", externalID, err)
	}
	return sub, nil
}

func (r *Reconciler) recordTransition(prev *Subscription, to Status) {
	from := "none"
	if prev != nil {
		from = string(prev.Status)
	}
	if from != string(to) {
		r.metrics.RecordStatusChange(r.provider, from, string(to))
	}
}

func (r *Reconciler) basePayload(event *billing.Event, user *User, customerID string) map[string]interface{} {
	payload := map[string]interface{}{
		auditKeyEventID:    event.ID,
		auditKeyEventType:  event.Type,
		auditKeyUserID:     user.ID,
		auditKeyCustomerID: customerID,
	}
	if !event.Verified {
		payload[auditKeyUnsigned] = true
	}
	return payload
}

func (r *Reconciler) subscriptionPayload(
	event *billing.Event, user *User, obj *billing.SubscriptionObject, prev *Subscription,
) map[string]interface{} {
	payload := r.basePayload(event, user, obj.CustomerID)
	payload[auditKeySubscriptionID] = obj.ID
	payload[auditKeyStatus] = obj.Status
	if obj.PeriodEnd != nil {
		payload[auditKeyPeriodEnd] = obj.PeriodEnd.UTC().Format(time.RFC3339)
	}
	if prev != nil {
		payload[auditKeyPreviousStatus] = string(prev.Status)
	}
	return payload
}

func (r *Reconciler) audit(
	ctx context.Context, event *billing.Event, user *User, entityType, entityID string, payload map[string]interface{},
) error {
	entry := &AuditEntry{
		ID:         r.newID(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     event.Kind.Action(),
		Actor:      ActorStripeWebhook,
		Payload:    payload,
		CreatedAt:  r.now(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit for %s: %w", event.ID, err)
	}
	r.logger.Info("subscription event applied",
		billing.F(auditKeyEventType, event.Type),
		billing.F(auditKeyEventID, event.ID),
		billing.F("entity_id", entityID),
		billing.F(auditKeyUserID, user.ID),
	)
	if r.onChange != nil {
		r.onChange(ctx, user.ID)
	}
	return nil
}

func subscriptionObject(event *billing.Event) (*billing.SubscriptionObject, error) {
	if event.Subscription == nil || event.Subscription.ID == "" {
		return nil, fmt.Errorf("%w: %s without subscription object", billing.ErrMalformedPayload, event.Type)
	}
	return event.Subscription, nil
}

func invoiceObject(event *billing.Event) (*billing.InvoiceObject, error) {
	if event.Invoice == nil || event.Invoice.ID == "" {
		return nil, fmt.Errorf("%w: %s without invoice object", billing.ErrMalformedPayload, event.Type)
	}
	return event.Invoice, nil
}
