// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// SnapshotKey is the gin context key the snapshot is stored under
const SnapshotKey = "quoteflow:subscription"

// IdentityExtractor extracts the caller from a Gin context
// Return false if the user is not authenticated
type IdentityExtractor func(c *gongin.Context) (subscription.Identity, bool)

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
	OnUnauthorized func(c *gongin.Context)

	// OnPaymentRequired is called when the caller has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(c *gongin.Context, snap subscription.Snapshot)
}

// Middleware creates a Gin middleware that only lets subscribed callers through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Query == nil {
		panic("quoteflow/gin: Config.Query is required")
	}
	if cfg.GetIdentity == nil {
		cfg.GetIdentity = FromRequestContext()
	}

	return func(c *gongin.Context) {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.UserID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		snap := cfg.Query.Status(c.Request.Context(), id)
		if !allowed(snap, cfg.Plans) {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, snap)
			} else {
				c.JSON(http.StatusPaymentRequired, gongin.H{
					"error":      "subscription required",
					"subscribed": snap.Subscribed,
					"plan":       snap.Plan,
				})
			}
			c.Abort()
			return
		}

		if snap.Plan != nil {
			c.Header("X-Subscription-Plan", *snap.Plan)
		}
		c.Set(SnapshotKey, snap)
		c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c *gongin.Context) (subscription.Snapshot, bool) {
	v, ok := c.Get(SnapshotKey)
	if !ok {
		return subscription.Snapshot{}, false
	}
	snap, ok := v.(subscription.Snapshot)
	return snap, ok
}

// FromRequestContext returns an IdentityExtractor reading the identity set by auth.RequireAuth
func FromRequestContext() IdentityExtractor {
	return func(c *gongin.Context) (subscription.Identity, bool) {
		return auth.IdentityFromContext(c.Request.Context())
	}
}

// FromHeader returns an IdentityExtractor that gets the user ID from a header
func FromHeader(headerName string) IdentityExtractor {
	return func(c *gongin.Context) (subscription.Identity, bool) {
		id := subscription.Identity{UserID: c.GetHeader(headerName)}
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
