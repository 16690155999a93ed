// Package auth guards the dashboard override endpoints.
//
// The model is a single operator: the token endpoint exchanges the admin
// password (checked against a bcrypt hash from config or Vault) for an
// HS256 JWT, and the override routes require it as a bearer token. With
// auth disabled the middleware passes everything through.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"paper-trading-bot/config"
)

const (
	tokenIssuer   = "papertrader"
	tokenAudience = "papertrader-dashboard"
	adminRole     = "admin"
)

// Manager issues and validates dashboard tokens.
type Manager struct {
	enabled   bool
	secret    []byte
	adminHash string
	tokenTTL  time.Duration
	logger    zerolog.Logger
}

// NewManager builds the token manager. Call it after Vault secrets are
// applied so the JWT secret is final.
func NewManager(cfg config.AuthConfig, logger zerolog.Logger) *Manager {
	componentLogger := logger.With().Str("component", "auth").Logger()

	if !cfg.Enabled {
		componentLogger.Info().Msg("Dashboard auth disabled, override endpoints are open")
	}

	return &Manager{
		enabled:   cfg.Enabled,
		secret:    []byte(cfg.JWTSecret),
		adminHash: cfg.AdminPasswordHash,
		tokenTTL:  cfg.TokenTTL,
		logger:    componentLogger,
	}
}

// Enabled reports whether tokens are required on override endpoints.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// IssueToken checks the admin password against the configured bcrypt hash
// and returns a signed bearer token.
func (m *Manager) IssueToken(password string) (TokenResponse, error) {
	if !m.enabled {
		return TokenResponse{}, ErrAuthDisabled
	}

	if err := bcrypt.CompareHashAndPassword([]byte(m.adminHash), []byte(password)); err != nil {
		m.logger.Warn().Msg("Token request with wrong password")
		return TokenResponse{}, ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminRole,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			Issuer:    tokenIssuer,
			Audience:  []string{tokenAudience},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}

	m.logger.Info().Msg("Dashboard token issued")

	return TokenResponse{
		AccessToken: signed,
		ExpiresIn:   int64(m.tokenTTL.Seconds()),
		TokenType:   "Bearer",
	}, nil
}

// ValidateToken parses and verifies a bearer token.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// HashPassword produces the bcrypt hash operators put in
// AUTH_ADMIN_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}
