package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

// Service authenticates the operator account and issues tokens.
type Service struct {
	cfg    config.AuthConfig
	jwt    *JWTManager
	logger *zap.Logger
}

// NewService creates a new auth service.
func NewService(cfg config.AuthConfig, jwtManager *JWTManager, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		jwt:    jwtManager,
		logger: logger.With(zap.String("service", "auth")),
	}
}

// Login checks the operator credentials and returns an admin token.
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.AdminUser)) == 1
	// bcrypt runs for unknown usernames too.
	pwErr := bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(password))
	if !userOK || pwErr != nil {
		s.logger.Warn("Login failed", zap.String("username", username))
		return nil, fmt.Errorf("invalid credentials: %w", domain.ErrPermissionDenied)
	}

	token, err := s.jwt.Generate(username, RoleAdmin, 0)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Operator logged in", zap.String("username", username))
	return token, nil
}

// IssueAgentToken returns a token for a local manager agent or telemetry
// pusher.
func (s *Service) IssueAgentToken(ctx context.Context, subject string, ttl time.Duration) (*Token, error) {
	token, err := s.jwt.Generate(subject, RoleAgent, ttl)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Issued agent token", zap.String("subject", subject), zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// ValidateToken verifies a bearer token.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	return s.jwt.Verify(token)
}

// HashPassword returns the bcrypt hash to put in auth.admin_password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
