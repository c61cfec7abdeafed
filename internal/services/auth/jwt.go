// Package auth issues and verifies the bearer tokens of the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

const (
	issuer   = "consolidator"
	audience = "consolidator-api"
)

// Role is what a token's bearer may do.
type Role string

const (
	// RoleAdmin may read state, plans and alerts and issue agent tokens.
	RoleAdmin Role = "admin"
	// RoleAgent may push samples and submit migration requests.
	RoleAgent Role = "agent"
)

// Claims represents the JWT claims of an API token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Token is an issued bearer token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"`
}

// JWTManager handles JWT token generation and verification.
type JWTManager struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager with the given configuration.
func NewJWTManager(cfg config.AuthConfig) *JWTManager {
	return &JWTManager{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.TokenExpiry,
		now:    time.Now,
	}
}

// Generate signs a token for subject with role. A non-positive ttl uses the
// configured expiry.
func (m *JWTManager) Generate(subject string, role Role, ttl time.Duration) (*Token, error) {
	if subject == "" {
		return nil, fmt.Errorf("token without subject: %w", domain.ErrInvalidArgument)
	}
	if role != RoleAdmin && role != RoleAgent {
		return nil, fmt.Errorf("role %q: %w", role, domain.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = m.expiry
	}
	now := m.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%d", subject, now.UnixNano()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{AccessToken: signed, ExpiresAt: expiresAt, TokenType: "Bearer"}, nil
}

// Verify validates a token and returns its claims. Every failure wraps
// domain.ErrPermissionDenied.
func (m *JWTManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w: %w", domain.ErrPermissionDenied, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", domain.ErrPermissionDenied)
	}
	if claims.Role != RoleAdmin && claims.Role != RoleAgent {
		return nil, fmt.Errorf("unknown role %q: %w", claims.Role, domain.ErrPermissionDenied)
	}
	return claims, nil
}

// IsExpired reports whether err is a verification failure caused by expiry.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
