package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

const (
	defaultPortalReturnPath = "/dashboard/settings/billing"
	maxUserIDLen            = 255
)

var (
	errUnauthenticated  = errors.New("user not authenticated")
	errInvalidUserID    = errors.New("invalid user ID format")
	errEmailUnavailable = errors.New("user email not available")
	errNoProvider       = errors.New("billing provider not configured")
	errNoCustomer       = errors.New("no billing customer for this user")
	errOriginNotAllowed = errors.New("origin not allowed")
)

// Handler serves the subscription endpoints used by the frontend
type Handler struct {
	config         Config
	defaultOrigin  string
	allowedOrigins map[string]struct{}
}

// Status returns the caller's subscription snapshot. Once the caller is
// authenticated the answer is always 200; lookup failures read as unsubscribed.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.config.Query.Status(r.Context(), id))
}

// Checkout finds or creates the caller's billing customer and returns the URL
// of a new hosted checkout session.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, errNoProvider, http.StatusServiceUnavailable)
		return
	}
	if id.Email == "" {
		h.handleError(w, r, errEmailUnavailable, http.StatusBadRequest)
		return
	}

	customer, err := h.config.Provider.FindCustomerByEmail(ctx, id.Email)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		customer, err = h.config.Provider.CreateCustomer(ctx, id.Email, id.UserID)
		if err == nil {
			h.config.Logger.Info("created billing customer",
				billing.F("user_id", id.UserID),
				billing.F("customer_id", customer.ID),
			)
		}
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get billing customer: %w", err), http.StatusInternalServerError)
		return
	}

	if h.config.Customers != nil {
		if err := h.config.Customers.AttachCustomerID(ctx, id.UserID, customer.ID); err != nil {
			h.config.Logger.Warn("failed to link billing customer to user",
				billing.F("user_id", id.UserID),
				billing.F("customer_id", customer.ID),
				billing.F("error", err),
			)
		}
	}

	origin, err := h.origin(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	url, err := h.config.Provider.CheckoutURL(ctx, billing.CheckoutRequest{
		CustomerID: customer.ID,
		UserID:     id.UserID,
		Origin:     origin,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create checkout session: %w", err), http.StatusInternalServerError)
		return
	}
	if url == "" {
		h.handleError(w, r, errors.New("checkout session has no url"), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("created checkout session",
		billing.F("user_id", id.UserID),
		billing.F("customer_id", customer.ID),
	)
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// Portal returns the URL of a billing portal session for the caller's customer.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, errNoProvider, http.StatusServiceUnavailable)
		return
	}
	if id.Email == "" {
		h.handleError(w, r, errEmailUnavailable, http.StatusBadRequest)
		return
	}

	customer, err := h.config.Provider.FindCustomerByEmail(ctx, id.Email)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		h.handleError(w, r, errNoCustomer, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to find billing customer: %w", err), http.StatusInternalServerError)
		return
	}

	origin, err := h.origin(r)
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	url, err := h.config.Provider.PortalURL(ctx, customer.ID, origin+h.config.PortalReturnPath)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create portal session: %w", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (subscription.Identity, bool) {
	id, ok := h.config.GetIdentity(r)
	if !ok || id.UserID == "" {
		h.handleError(w, r, errUnauthenticated, http.StatusUnauthorized)
		return subscription.Identity{}, false
	}
	if len(id.UserID) > maxUserIDLen {
		h.handleError(w, r, errInvalidUserID, http.StatusBadRequest)
		return subscription.Identity{}, false
	}
	return id, true
}

// origin picks the base of redirect URLs: the request Origin when it is
// allowed, else the default origin.
func (h *Handler) origin(r *http.Request) (string, error) {
	if origin := normalizeOrigin(r.Header.Get("Origin")); origin != "" {
		if _, ok := h.allowedOrigins[origin]; ok {
			return origin, nil
		}
		h.config.Logger.Warn("ignoring origin outside the allow-list",
			billing.F("origin", origin),
			billing.F("path", r.URL.Path),
		)
	}
	if h.defaultOrigin == "" {
		return "", errOriginNotAllowed
	}
	return h.defaultOrigin, nil
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("subscription api request failed",
			billing.F("path", r.URL.Path),
			billing.F("error", err),
		)
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already started
		return
	}
}
