package billing

import "net/http"

// Config defines the standard configuration all providers should accept
type Config struct {
	// PlanMapping maps provider price or product IDs to plan names.
	// For example: map[string]string{"price_monthly": "Premium", "price_team": "Team"}
	// Reserved keys:
	//   - "*" or "default": the plan reported when a price is not mapped
	PlanMapping map[string]string

	// WebhookSecret is the signing secret used to verify inbound webhook deliveries.
	// When empty the provider accepts unsigned payloads and logs a warning for every delivery.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, nothing is logged.
	Logger Logger
}
