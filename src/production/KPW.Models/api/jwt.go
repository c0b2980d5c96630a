package api_models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
)

// Config holds JWT configuration
type Config struct {
	SecretKey           string
	AccessTokenDuration time.Duration
	Issuer              string
}

// AccessClaims represents the JWT claims presented by a dashboard viewer.
// Tokens are issued by the external login service; this server only
// validates them.
type AccessClaims struct {
	jwt.RegisteredClaims
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	TokenID string `json:"token_id"`
}

// IsAdmin reports whether the claims carry the administrator role.
func (c *AccessClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}
