package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AuthError is a machine-readable authentication failure. The code lands
// in the JSON error body so the dashboard can distinguish expired tokens
// from bad ones.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrAuthDisabled       = AuthError{Code: "AUTH_DISABLED", Message: "authentication is disabled"}
)

// Claims carries the JWT payload for dashboard tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenResponse is the body returned by the token-issuing endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}
