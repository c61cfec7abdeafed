// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/services/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

// ClaimsKey is the context key for JWT claims.
const ClaimsKey ContextKey = "claims"

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Auth authenticates requests with a bearer token. Browsers cannot set
// headers on WebSocket upgrades, so the token may also be passed as the
// access_token query parameter.
type Auth struct {
	verifier TokenVerifier
	enabled  bool
	logger   *zap.Logger
}

// NewAuth creates the auth middleware. With enabled false every request
// passes unauthenticated.
func NewAuth(verifier TokenVerifier, enabled bool, logger *zap.Logger) *Auth {
	return &Auth{
		verifier: verifier,
		enabled:  enabled,
		logger:   logger.With(zap.String("middleware", "auth")),
	}
}

// Require wraps next so that it only runs for tokens carrying one of roles.
func (a *Auth) Require(next http.Handler, roles ...auth.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.String("path", r.URL.Path), zap.Error(err))
			msg := "invalid token"
			if auth.IsExpired(err) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		if !hasRole(claims.Role, roles) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("access_token")
}

func hasRole(role auth.Role, roles []auth.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
