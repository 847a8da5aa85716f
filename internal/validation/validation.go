// Package validation provides request shape checks for the chatgate API that
// run before any handler touches a store.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var (
	// idRegex matches account, subscription and notice ids as well as the
	// ids the chat service assigns to its tenants.
	idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]{0,63}$`)
	// paramKeyRegex matches system parameter keys such as max_chat_count.
	paramKeyRegex = regexp.MustCompile(`^[a-z][a-z0-9_.]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks an entity id.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidParamKey checks a system parameter key.
func IsValidParamKey(key string) bool {
	return paramKeyRegex.MatchString(key)
}

// IDParamMiddleware rejects a malformed :id path segment on routes that have one.
func IDParamMiddleware() gin.HandlerFunc {
	return paramMiddleware("id", IsValidID, "invalid_id", "id must be 1-64 letters, digits or _.:-")
}

// ParamKeyMiddleware rejects a malformed :key path segment on routes that have one.
func ParamKeyMiddleware() gin.HandlerFunc {
	return paramMiddleware("key", IsValidParamKey, "invalid_key", "key must be lowercase letters, digits, _ or .")
}

func paramMiddleware(name string, valid func(string) bool, code, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !valid(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
			return
		}
		c.Next()
	}
}
