package billing

import (
	"errors"
	"fmt"
)

// Request-level errors. The webhook endpoint answers these with 400 and never
// dispatches the event.
var (
	// ErrMissingSignatureHeader is returned when the stripe-signature header is absent
	ErrMissingSignatureHeader = errors.New("missing stripe-signature header")

	// ErrSignatureInvalid is returned when webhook signature validation fails
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a trusted webhook body cannot be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Processing-level errors.
var (
	// ErrUnknownCustomer is returned when no user is linked to the provider customer
	ErrUnknownCustomer = errors.New("no user linked to billing customer")

	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPlanNotConfigured is returned when a checkout has neither a price id nor inline price data
	ErrPlanNotConfigured = errors.New("plan not configured for checkout")
)

// HandlerFailedError wraps the failure of a registered event handler.
type HandlerFailedError struct {
	Type  string
	Cause error
}

func (e *HandlerFailedError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.Type, e.Cause)
}

func (e *HandlerFailedError) Unwrap() error {
	return e.Cause
}

// IsRequestError reports whether err should be answered as a bad request.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrMissingSignatureHeader) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrMalformedPayload)
}
