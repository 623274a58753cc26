package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/quoteflow/pkg/billing"
)

// Verifier turns a raw webhook delivery into a billing.Event.
//
// With a signing secret the Stripe-Signature header is checked against the
// exact body bytes. Without one the verifier runs in reduced-security mode:
// payloads are parsed unverified and marked as such.
type Verifier struct {
	secret string
	logger billing.Logger
}

// NewVerifier creates a verifier for the given endpoint signing secret.
func NewVerifier(secret string, logger billing.Logger) *Verifier {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		logger.Warn("stripe webhook secret not configured, events will be accepted without signature verification")
	}
	return &Verifier{secret: secret, logger: logger}
}

// Verified reports whether the verifier checks signatures.
func (v *Verifier) Verified() bool {
	return v.secret != ""
}

// Verify authenticates body against signatureHeader and decodes it.
func (v *Verifier) Verify(body []byte, signatureHeader string) (*billing.Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, billing.ErrMissingSignatureHeader
	}

	if v.secret != "" {
		if err := webhook.ValidatePayload(body, signatureHeader, v.secret); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrSignatureInvalid, err)
		}
	}

	var raw stripe.Event
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("%w: event without type", billing.ErrMalformedPayload)
	}

	event := &billing.Event{
		ID:       raw.ID,
		Type:     string(raw.Type),
		Kind:     billing.ParseEventKind(string(raw.Type)),
		Verified: v.secret != "",
	}
	if raw.Created > 0 {
		event.Created = time.Unix(raw.Created, 0).UTC()
	}
	if !event.Verified {
		v.logger.Warn("accepting unverified stripe event",
			billing.F("event_id", event.ID),
			billing.F("event_type", event.Type),
		)
	}

	if event.Kind == billing.KindUnhandled {
		return event, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data.object", billing.ErrMalformedPayload, event.ID)
	}

	var err error
	switch {
	case event.Kind.IsSubscription():
		event.Subscription, err = decodeSubscription(raw.Data.Raw)
	case event.Kind.IsInvoice():
		event.Invoice, err = decodeInvoice(raw.Data.Raw)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}
