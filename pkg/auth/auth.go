// Package auth verifies the bearer tokens the frontend sends and carries the
// caller's identity through the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mihaimyh/quoteflow/pkg/billing"
	"github.com/mihaimyh/quoteflow/pkg/subscription"
)

// DefaultAudience is the audience of tokens issued to signed-in users.
const DefaultAudience = "authenticated"

var (
	// ErrMissingToken is returned when the request has no bearer token
	ErrMissingToken = errors.New("no authorization header provided")

	// ErrInvalidToken is returned when a token fails verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when a token is past its expiry
	ErrTokenExpired = errors.New("token has expired")
)

// Claims are the access token claims the application relies on.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens signed with the project JWT secret.
type Verifier struct {
	signingKey []byte
	audience   string
	parser     *jwt.Parser
}

// NewVerifier creates a verifier. An empty audience defaults to DefaultAudience.
func NewVerifier(secret, audience string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{
		signingKey: []byte(secret),
		audience:   audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify validates token and returns the identity it carries.
func (v *Verifier) Verify(token string) (subscription.Identity, error) {
	if token == "" {
		return subscription.Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return subscription.Identity{}, ErrTokenExpired
		}
		return subscription.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return subscription.Identity{}, ErrInvalidToken
	}

	return subscription.Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

// Sign issues a token for id, valid for ttl. Used by local tooling and tests.
func (v *Verifier) Sign(id subscription.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: id.Email,
		Role:  DefaultAudience,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(v.signingKey)
}

// TokenFromRequest returns the bearer token of r, or "".
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id subscription.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (subscription.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(subscription.Identity)
	return id, ok && id.UserID != ""
}

// UserID returns the authenticated user id of r, or "".
func UserID(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	return id.UserID
}

// RequireAuth rejects requests without a valid bearer token with 401 and
// stores the caller's identity in the context otherwise.
func RequireAuth(v *Verifier, logger billing.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(TokenFromRequest(r))
			if err != nil {
				logger.Debug("request rejected by auth",
					billing.F("path", r.URL.Path),
					billing.F("error", err),
				)
				writeUnauthorized(w, authMessage(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ErrMissingToken.Error()
	case errors.Is(err, ErrTokenExpired):
		return ErrTokenExpired.Error()
	default:
		return ErrInvalidToken.Error()
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="quoteflow"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
