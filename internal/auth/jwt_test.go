package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"paper-trading-bot/config"
)

func testManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()

	hash, err := HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	return NewManager(config.AuthConfig{
		Enabled:           true,
		JWTSecret:         "test-secret-key",
		AdminPasswordHash: hash,
		TokenTTL:          ttl,
	}, zerolog.Nop())
}

func TestIssueTokenChecksPassword(t *testing.T) {
	m := testManager(t, time.Hour)

	if _, err := m.IssueToken("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password must yield ErrInvalidCredentials, got %v", err)
	}

	resp, err := m.IssueToken("correct-horse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}

	claims, err := m.ValidateToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q, want admin", claims.Role)
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	issuer := testManager(t, time.Hour)
	resp, err := issuer.IssueToken("correct-horse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	verifier := NewManager(config.AuthConfig{
		Enabled:   true,
		JWTSecret: "a-different-secret",
		TokenTTL:  time.Hour,
	}, zerolog.Nop())

	if _, err := verifier.ValidateToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign-secret token must yield ErrInvalidToken, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	m := testManager(t, -time.Minute)

	resp, err := m.IssueToken("correct-horse")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	if _, err := m.ValidateToken(resp.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token must yield ErrTokenExpired, got %v", err)
	}
}

func TestValidateTokenGarbage(t *testing.T) {
	m := testManager(t, time.Hour)

	if _, err := m.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token must yield ErrInvalidToken, got %v", err)
	}
}

func TestIssueTokenDisabled(t *testing.T) {
	m := NewManager(config.AuthConfig{Enabled: false}, zerolog.Nop())

	if _, err := m.IssueToken("anything"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("disabled manager must yield ErrAuthDisabled, got %v", err)
	}
	if m.Enabled() {
		t.Error("Enabled() must be false")
	}
}
