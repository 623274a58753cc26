// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// SnapshotKey is the echo context key the snapshot is stored under
const SnapshotKey = "quoteflow:subscription"

// IdentityExtractor extracts the caller from an Echo context
// Return false if the user is not authenticated
type IdentityExtractor func(c echo.Context) (subscription.Identity, bool)

// Config holds middleware configuration
type Config struct {
	// Query answers whether the caller is subscribed (required)
	Query subscription.QueryService

	// GetIdentity extracts the caller from context.
	// Default: the identity stored by auth.RequireAuth on the request context
	GetIdentity IdentityExtractor

	// Plans restricts access to the listed plans. Empty allows any subscribed plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnPaymentRequired is called when the caller has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(c echo.Context, snap subscription.Snapshot) error
}

// Middleware creates an Echo middleware that only lets subscribed callers through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Query == nil {
		panic("quoteflow/echo: Config.Query is required")
	}
	if cfg.GetIdentity == nil {
		cfg.GetIdentity = FromRequestContext()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := cfg.GetIdentity(c)
			if !ok || id.UserID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			snap := cfg.Query.Status(c.Request().Context(), id)
			if !allowed(snap, cfg.Plans) {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, snap)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
					"error":      "subscription required",
					"subscribed": snap.Subscribed,
					"plan":       snap.Plan,
				})
			}

			if snap.Plan != nil {
				c.Response().Header().Set("X-Subscription-Plan", *snap.Plan)
			}
			c.Set(SnapshotKey, snap)
			return next(c)
		}
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c echo.Context) (subscription.Snapshot, bool) {
	snap, ok := c.Get(SnapshotKey).(subscription.Snapshot)
	return snap, ok
}

// FromRequestContext returns an IdentityExtractor reading the identity set by auth.RequireAuth
func FromRequestContext() IdentityExtractor {
	return func(c echo.Context) (subscription.Identity, bool) {
		return auth.IdentityFromContext(c.Request().Context())
	}
}

// FromHeader returns an IdentityExtractor that gets the user ID from a header
func FromHeader(headerName string) IdentityExtractor {
	return func(c echo.Context) (subscription.Identity, bool) {
		id := subscription.Identity{UserID: c.Request().Header.Get(headerName)}
		return id, id.UserID != ""
	}
}

func allowed(snap subscription.Snapshot, plans []string) bool {
	if !snap.Subscribed {
		return false
	}
	if len(plans) == 0 {
		return true
	}
	if snap.Plan == nil {
		return false
	}
	for _, p := range plans {
		if p == *snap.Plan {
			return true
		}
	}
	return false
}
