// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// SnapshotKey is the Locals key the snapshot is stored under
const SnapshotKey = "quoteflow:subscription"

// IdentityExtractor extracts the caller from a Fiber context
// Return false if the user is not authenticated
type IdentityExtractor func(c *fiber.Ctx) (subscription.Identity, bool)

// Config holds middleware configuration
type Config struct {
	// Query answers whether the caller is subscribed (required)
	Query subscription.QueryService

	// GetIdentity extracts the caller from context (required)
	GetIdentity IdentityExtractor

	// Plans restricts access to the listed plans. Empty allows any subscribed plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnPaymentRequired is called when the caller has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(c *fiber.Ctx, snap subscription.Snapshot) error
}

// Middleware creates a Fiber middleware that only lets subscribed callers through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Query == nil {
		panic("quoteflow/fiber: Config.Query is required")
	}
	if cfg.GetIdentity == nil {
		panic("quoteflow/fiber: Config.GetIdentity is required")
	}

	return func(c *fiber.Ctx) error {
		id, ok := cfg.GetIdentity(c)
		if !ok || id.UserID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		snap := cfg.Query.Status(c.UserContext(), id)
		if !allowed(snap, cfg.Plans) {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, snap)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":      "subscription required",
				"subscribed": snap.Subscribed,
				"plan":       snap.Plan,
			})
		}

		if snap.Plan != nil {
			c.Set("X-Subscription-Plan", *snap.Plan)
		}
		c.Locals(SnapshotKey, snap)
		return c.Next()
	}
}

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(c *fiber.Ctx) (subscription.Snapshot, bool) {
	snap, ok := c.Locals(SnapshotKey).(subscription.Snapshot)
	return snap, ok
}

// FromBearer returns an IdentityExtractor that verifies the Authorization bearer token
func FromBearer(v *auth.Verifier) IdentityExtractor {
	return func(c *fiber.Ctx) (subscription.Identity, bool) {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
			return subscription.Identity{}, false
		}
		id, err := v.Verify(strings.TrimSpace(header[7:]))
		if err != nil {
			return subscription.Identity{}, false
		}
		return id, true
	}
}

// FromLocals returns an IdentityExtractor that reads an Identity stored in Locals
func FromLocals(key string) IdentityExtractor {
	return func(c *fiber.Ctx) (subscription.Identity, bool) {
		id, ok := c.Locals(key).(subscription.Identity)
		return id, ok && id.UserID != ""
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
