package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyClient is the key for storing the authenticated client name
	ContextKeyClient = "authClient"
	// ContextKeyAdmin marks a request that presented the admin secret
	ContextKeyAdmin = "authAdmin"

	// AdminHeader carries the admin secret.
	AdminHeader = "X-Admin-Secret"
)

// Middleware extracts and validates an API key from the request. It never
// rejects; RequireClient does.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyClient, key.Client)
			}
		}

		c.Next()
	}
}

// RequireClient rejects requests without a valid API key. Requests carrying
// the admin secret pass too, so operators can replay ingest calls.
func RequireClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAuthenticated(c) || IsAdmin(c) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required. Include 'Authorization: Bearer cgk_...' header.",
		})
	}
}

// AdminMiddleware marks requests presenting secret in X-Admin-Secret.
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" {
			given := c.GetHeader(AdminHeader)
			if given != "" && subtle.ConstantTimeCompare([]byte(given), []byte(secret)) == 1 {
				c.Set(ContextKeyAdmin, true)
			}
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that did not present the admin secret. With
// no secret configured the routes are open only when allowOpen is set, which
// the server does in development.
func RequireAdmin(secret string, allowOpen bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsAdmin(c) || (secret == "" && allowOpen) {
			c.Next()
			return
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is disabled: no admin secret configured.",
			})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Admin secret required in " + AdminHeader + " header.",
		})
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// Client returns the authenticated client's name, or "admin" for operator
// requests.
func Client(c *gin.Context) string {
	if name := c.GetString(ContextKeyClient); name != "" {
		return name
	}
	if IsAdmin(c) {
		return "admin"
	}
	return ""
}

// IsAuthenticated checks if the request carries a valid API key
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// IsAdmin checks if the request presented the admin secret
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
