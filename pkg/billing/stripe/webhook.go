package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/billing/internal"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// Dispatcher routes a verified event to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *billing.Event) (billing.Outcome, error)
}

type webhookResponse struct {
	Received  bool  `json:"received"`
	Handled   *bool `json:"handled,omitempty"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// WebhookHandler returns the inbound Stripe webhook endpoint, rate limited per
// client IP.
func (p *Provider) WebhookHandler(d Dispatcher) http.Handler {
	limiter := internal.NewRateLimiter(p.config.RateLimitRequests, p.config.RateLimitWindow)
	return limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handleWebhook(w, r, d)
	}))
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request, d Dispatcher) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := p.tracer.Start(r.Context(), "stripe.webhook", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	eventType := "unknown"
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			p.logger.Error("stripe webhook panicked",
				billing.F("event_type", eventType),
				billing.F("error", err),
			)
			p.metrics.RecordWebhookError(providerName, "panic")
			internal.WriteJSONError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		span.SetStatus(codes.Error, "unreadable body")
		return
	}

	event, err := p.verifier.Verify(body, r.Header.Get(SignatureHeader))
	if err != nil {
		p.rejectRequest(w, span, err)
		return
	}
	eventType = event.Type
	span.SetAttributes(
		attribute.String("stripe.event_id", event.ID),
		attribute.String("stripe.event_type", event.Type),
		attribute.Bool("stripe.verified", event.Verified),
	)

	if p.ledger != nil && event.ID != "" {
		seen, err := p.ledger.Seen(ctx, event.ID)
		if err != nil {
			p.logger.Warn("event ledger lookup failed, processing anyway",
				billing.F("event_id", event.ID),
				billing.F("error", err),
			)
		} else if seen {
			p.logger.Info("duplicate stripe event ignored",
				billing.F("event_id", event.ID),
				billing.F("event_type", event.Type),
			)
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: true})
			return
		}
	}

	outcome, err := d.Dispatch(ctx, event)
	if err != nil {
		p.failDelivery(w, span, event, err, startTime)
		return
	}

	if p.ledger != nil && event.ID != "" && outcome.Handled {
		if err := p.ledger.Mark(ctx, event.ID); err != nil {
			p.logger.Warn("failed to mark stripe event as processed",
				billing.F("event_id", event.ID),
				billing.F("error", err),
			)
		}
	}

	resp := webhookResponse{Received: true}
	status := "success"
	if !outcome.Handled {
		handled := false
		resp.Handled = &handled
		status = "unhandled"
		p.logger.Debug("unhandled stripe event type",
			billing.F("event_id", event.ID),
			billing.F("event_type", event.Type),
		)
	}
	span.SetAttributes(attribute.Bool("stripe.handled", outcome.Handled))

	_ = internal.WriteJSON(w, http.StatusOK, resp)
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// rejectRequest answers request-level failures with 400 and plain text.
func (p *Provider) rejectRequest(w http.ResponseWriter, span trace.Span, err error) {
	errorType := "malformed_payload"
	msg := "malformed payload"
	switch {
	case errors.Is(err, billing.ErrMissingSignatureHeader):
		errorType, msg = "missing_signature", "missing stripe-signature header"
	case errors.Is(err, billing.ErrSignatureInvalid):
		errorType, msg = "auth_failed", "webhook signature verification failed"
	}

	p.logger.Warn("stripe webhook rejected",
		billing.F("reason", errorType),
		billing.F("error", err),
	)
	p.metrics.RecordWebhookError(providerName, errorType)
	span.SetStatus(codes.Error, errorType)
	http.Error(w, msg, http.StatusBadRequest)
}

// failDelivery answers processing failures with 500 so Stripe redelivers.
func (p *Provider) failDelivery(w http.ResponseWriter, span trace.Span, event *billing.Event, err error, startTime time.Time) {
	fields := []billing.Field{
		billing.F("event_id", event.ID),
		billing.F("event_type", event.Type),
		billing.F("error", err),
	}
	switch {
	case event.Subscription != nil:
		fields = append(fields,
			billing.F("subscription_id", event.Subscription.ID),
			billing.F("customer_id", event.Subscription.CustomerID),
		)
	case event.Invoice != nil:
		fields = append(fields,
			billing.F("invoice_id", event.Invoice.ID),
			billing.F("subscription_id", event.Invoice.SubscriptionID),
			billing.F("customer_id", event.Invoice.CustomerID),
		)
	}
	p.logger.Error("stripe webhook processing failed", fields...)

	errorType := "processing_error"
	if errors.Is(err, billing.ErrUnknownCustomer) {
		errorType = "unknown_customer"
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, errorType)

	internal.WriteJSONError(w, http.StatusInternalServerError, err.Error())
	p.metrics.RecordWebhookEvent(providerName, event.Type, "error")
	p.metrics.RecordWebhookError(providerName, errorType)
	p.metrics.RecordWebhookProcessingDuration(providerName, event.Type, time.Since(startTime))
}
