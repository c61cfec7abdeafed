package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
)

func testConfig(secret string) config.AuthConfig {
	return config.AuthConfig{
		Enabled:     true,
		JWTSecret:   secret,
		TokenExpiry: 15 * time.Minute,
		AdminUser:   "admin",
	}
}

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	manager := NewJWTManager(testConfig("test-secret-key-at-least-32-bytes-long"))

	token, err := manager.Generate("compute-1", RoleAgent, 0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if token.TokenType != "Bearer" {
		t.Errorf("Expected token type 'Bearer', got '%s'", token.TokenType)
	}
	if token.ExpiresAt.Before(time.Now()) {
		t.Error("Token should not be expired")
	}

	claims, err := manager.Verify(token.AccessToken)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "compute-1" {
		t.Errorf("Expected subject 'compute-1', got '%s'", claims.Subject)
	}
	if claims.Role != RoleAgent {
		t.Errorf("Expected role 'agent', got '%s'", claims.Role)
	}
}

func TestJWTManager_GenerateRejectsBadInput(t *testing.T) {
	manager := NewJWTManager(testConfig("test-secret-key-at-least-32-bytes-long"))

	if _, err := manager.Generate("", RoleAgent, 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Generate() without subject error = %v", err)
	}
	if _, err := manager.Generate("x", Role("root"), 0); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Generate() with unknown role error = %v", err)
	}
}

func TestJWTManager_VerifyRejects(t *testing.T) {
	manager := NewJWTManager(testConfig("secret-key-one-at-least-32-bytes"))
	other := NewJWTManager(testConfig("secret-key-two-at-least-32-bytes"))

	foreign, err := other.Generate("compute-1", RoleAgent, 0)
	if err != nil {
		t.Fatal(err)
	}

	expiring := NewJWTManager(testConfig("secret-key-one-at-least-32-bytes"))
	expiring.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiring.Generate("compute-1", RoleAgent, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		token       string
		wantExpired bool
	}{
		{name: "garbage", token: "invalid-token"},
		{name: "wrong secret", token: foreign.AccessToken},
		{name: "expired", token: expired.AccessToken, wantExpired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.Verify(tt.token)
			if !errors.Is(err, domain.ErrPermissionDenied) {
				t.Fatalf("Verify() error = %v, want ErrPermissionDenied", err)
			}
			if IsExpired(err) != tt.wantExpired {
				t.Errorf("IsExpired() = %v, want %v", IsExpired(err), tt.wantExpired)
			}
		})
	}
}

func TestService_Login(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig("test-secret-key-at-least-32-bytes-long")
	cfg.AdminPasswordHash = hash
	jwtManager := NewJWTManager(cfg)
	svc := NewService(cfg, jwtManager, zap.NewNop())
	ctx := context.Background()

	token, err := svc.Login(ctx, "admin", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	claims, err := svc.ValidateToken(ctx, token.AccessToken)
	if err != nil || claims.Role != RoleAdmin {
		t.Errorf("ValidateToken() = %+v, %v; want an admin token", claims, err)
	}

	for _, creds := range [][2]string{{"admin", "wrong"}, {"root", "hunter2"}} {
		if _, err := svc.Login(ctx, creds[0], creds[1]); !errors.Is(err, domain.ErrPermissionDenied) {
			t.Errorf("Login(%q, %q) error = %v, want ErrPermissionDenied", creds[0], creds[1], err)
		}
	}

	agent, err := svc.IssueAgentToken(ctx, "compute-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if claims, err := jwtManager.Verify(agent.AccessToken); err != nil || claims.Role != RoleAgent {
		t.Errorf("agent token claims = %+v, %v", claims, err)
	}
}
