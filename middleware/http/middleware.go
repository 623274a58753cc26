// Package http provides net/http middleware that gates premium routes on an
// active subscription.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/quoteflow/pkg/auth"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// IdentityExtractor extracts the caller from an HTTP request.
// Return false if the user is not authenticated.
type IdentityExtractor func(r *http.Request) (subscription.Identity, bool)

// Config holds middleware configuration
type Config struct {
	// Query answers whether the caller is subscribed (required)
	Query subscription.QueryService

	// GetIdentity extracts the caller from the request.
	// Default: the identity stored by auth.RequireAuth
	GetIdentity IdentityExtractor

	// Plans restricts access to the listed plans. Empty allows any subscribed plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnPaymentRequired is called when the caller has no qualifying subscription
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, snap subscription.Snapshot)
}

type snapshotKey struct{}

// Middleware creates an HTTP middleware that only lets subscribed callers through
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Query == nil {
		panic("quoteflow/http: Config.Query is required")
	}
	if config.GetIdentity == nil {
		config.GetIdentity = FromContext()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := config.GetIdentity(r)
			if !ok || id.UserID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "Unauthorized")
				}
				return
			}

			snap := config.Query.Status(r.Context(), id)
			if !Allowed(snap, config.Plans) {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, snap)
				} else {
					writeError(w, http.StatusPaymentRequired, "subscription required")
				}
				return
			}

			if snap.Plan != nil {
				w.Header().Set("X-Subscription-Plan", *snap.Plan)
			}
			ctx := context.WithValue(r.Context(), snapshotKey{}, snap)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc creates an HTTP middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Allowed reports whether snap grants access given an optional plan allow-list.
func Allowed(snap subscription.Snapshot, plans []string) bool {
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

// SnapshotFromContext returns the snapshot stored by Middleware
func SnapshotFromContext(ctx context.Context) (subscription.Snapshot, bool) {
	snap, ok := ctx.Value(snapshotKey{}).(subscription.Snapshot)
	return snap, ok
}

// FromContext returns an IdentityExtractor reading the identity set by auth.RequireAuth
func FromContext() IdentityExtractor {
	return func(r *http.Request) (subscription.Identity, bool) {
		return auth.IdentityFromContext(r.Context())
	}
}

// FromHeader returns an IdentityExtractor that gets the user ID from a header
func FromHeader(headerName string) IdentityExtractor {
	return func(r *http.Request) (subscription.Identity, bool) {
		id := subscription.Identity{UserID: r.Header.Get(headerName)}
		return id, id.UserID != ""
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
