package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// CustomerLinker stores the provider customer id on the application user.
type CustomerLinker interface {
	AttachCustomerID(ctx context.Context, userID, customerID string) error
}

// Config holds configuration for the subscription API handler
type Config struct {
	// Query answers the status endpoint (required)
	Query subscription.QueryService

	// Provider creates customers, checkout and portal sessions.
	// Required only for Checkout and Portal.
	Provider billing.PaymentProvider

	// Customers, when set, is told about the customer used for a checkout so
	// webhooks for it resolve without the metadata fallback.
	Customers CustomerLinker

	// GetIdentity extracts the caller from the request.
	// Defaults to the identity stored by auth.RequireAuth.
	GetIdentity func(*http.Request) (subscription.Identity, bool)

	// DefaultOrigin is used for redirect URLs when the request has no Origin
	// header or an Origin outside AllowedOrigins. It is always allowed.
	DefaultOrigin string

	// AllowedOrigins lists the Origin header values that may become redirect
	// targets. Without a usable origin the request fails with 400.
	AllowedOrigins []string

	// PortalReturnPath is appended to the origin for the portal return URL.
	// Default: "/dashboard/settings/billing"
	PortalReturnPath string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Query == nil {
		return fmt.Errorf("query service is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetIdentity == nil {
		config.GetIdentity = FromContext()
	}
	if config.PortalReturnPath == "" {
		config.PortalReturnPath = defaultPortalReturnPath
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	allowed := make(map[string]struct{}, len(config.AllowedOrigins)+1)
	for _, o := range config.AllowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			allowed[o] = struct{}{}
		}
	}
	defaultOrigin := normalizeOrigin(config.DefaultOrigin)
	if defaultOrigin != "" {
		allowed[defaultOrigin] = struct{}{}
	}
	return &Handler{
		config:         config,
		defaultOrigin:  defaultOrigin,
		allowedOrigins: allowed,
	}, nil
}

// Helper functions for common identity extraction patterns

// FromContext returns a GetIdentity function reading the identity set by auth.RequireAuth
func FromContext() func(*http.Request) (subscription.Identity, bool) {
	return func(r *http.Request) (subscription.Identity, bool) {
		return auth.IdentityFromContext(r.Context())
	}
}

// FromHeaders returns a GetIdentity function that trusts identity headers set by
// an authenticating proxy in front of the service.
func FromHeaders(userHeader, emailHeader string) func(*http.Request) (subscription.Identity, bool) {
	return func(r *http.Request) (subscription.Identity, bool) {
		id := subscription.Identity{
			UserID: r.Header.Get(userHeader),
			Email:  r.Header.Get(emailHeader),
		}
		return id, id.UserID != ""
	}
}
