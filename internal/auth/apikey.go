package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// callerCtxKey is the Gin context key used to store the authenticated caller.
const callerCtxKey = "caller"

// APIKeyMiddleware guards the trigger surface by mapping X-API-Key onto a
// caller name (the platform's notification relay, an operator, ...). In
// production this mapping would typically come from IAM/Secret Manager.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		caller, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(callerCtxKey, caller)
		c.Next()
	}
}

// Caller returns the authenticated caller name from the request context.
func Caller(c *gin.Context) string {
	v, _ := c.Get(callerCtxKey)
	s, _ := v.(string)
	return s
}
