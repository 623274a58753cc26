package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - callers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The provider event type (e.g., "invoice.paid")
	// status: "success", "unhandled", "duplicate" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "missing_signature", "invalid_signature", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a persisted subscription status transition.
	RecordStatusChange(provider, fromStatus, toStatus string)

	// RecordQuery records a subscription status query.
	// source: "live", "stored" or "cache"; outcome: "subscribed", "not_subscribed" or "error"
	RecordQuery(source, outcome string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API operation called (e.g., "customers.list")
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _, _ string)                            {}
func (n *NoopMetrics) RecordQuery(_, _ string)                                      {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
