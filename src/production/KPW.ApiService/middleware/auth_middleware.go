package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	jwt "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.ApiService/implementation/jwt"
	api_models "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models/api"
)

// Key types for request context
type contextKey string

const (
	UserIDContextKey   contextKey = "user_id"
	UserRoleContextKey contextKey = "user_role"
	TokenIDContextKey  contextKey = "token_id"
	ClaimsContextKey   contextKey = "access_claims"
)

// AuthMiddleware provides middleware functions for authentication and authorization
type AuthMiddleware struct {
	jwtService *jwt.Service
	config     Config
}

// Config holds middleware configuration
type Config struct {
	// HTTP header names for tokens
	AccessTokenHeader string

	// Cookie names for tokens (optional alternative to headers)
	AccessTokenCookie string

	// Query parameter for clients that cannot set headers, such as
	// browser WebSocket upgrades
	AccessTokenQuery string
}

// DefaultConfig returns a default middleware configuration
func DefaultConfig() Config {
	return Config{
		AccessTokenHeader: "Authorization",
		AccessTokenCookie: "access_token",
		AccessTokenQuery:  "token",
	}
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtService *jwt.Service, config Config) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		config:     config,
	}
}

// extractToken gets a token from the header, then the cookie, then the query string
func extractToken(r *http.Request, cfg Config) string {
	// Try to get from header first
	token := r.Header.Get(cfg.AccessTokenHeader)
	if token != "" {
		// Handle Authorization: Bearer token format
		if strings.HasPrefix(token, "Bearer ") {
			return strings.TrimPrefix(token, "Bearer ")
		}
		return token
	}

	if cfg.AccessTokenCookie != "" {
		cookie, err := r.Cookie(cfg.AccessTokenCookie)
		if err == nil {
			return cookie.Value
		}
	}

	if cfg.AccessTokenQuery != "" {
		return r.URL.Query().Get(cfg.AccessTokenQuery)
	}

	return ""
}

// Authenticate middleware verifies access token
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken := extractToken(c.Request, m.config)
		if accessToken == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		accessClaims, err := m.jwtService.ValidateAccessToken(accessToken)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid access token"})
			c.Abort()
			return
		}

		// Add user data to context
		c.Set(string(UserIDContextKey), accessClaims.UserID)
		c.Set(string(UserRoleContextKey), accessClaims.Role)
		c.Set(string(TokenIDContextKey), accessClaims.TokenID)
		c.Set(string(ClaimsContextKey), accessClaims)

		c.Next()
	}
}

// RequireAdmin ensures the user has admin role. It must run after Authenticate.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := GetClaimsFromGinContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		if !claims.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetClaimsFromGinContext retrieves the validated claims from Gin context
func GetClaimsFromGinContext(c *gin.Context) (*api_models.AccessClaims, error) {
	val, exists := c.Get(string(ClaimsContextKey))
	if !exists {
		return nil, errors.New("claims not found in context")
	}

	claims, ok := val.(*api_models.AccessClaims)
	if !ok {
		return nil, errors.New("invalid claims format in context")
	}

	return claims, nil
}

// GetUserFromGinContext retrieves user ID from Gin context
func GetUserFromGinContext(c *gin.Context) (string, error) {
	userIDVal, exists := c.Get(string(UserIDContextKey))
	if !exists {
		return "", errors.New("user not found in context")
	}

	userID, ok := userIDVal.(string)
	if !ok {
		return "", errors.New("invalid user ID format in context")
	}

	return userID, nil
}
