package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey holds the *APIKey in the gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccount holds the authenticated account ID.
	ContextKeyAccount = "authAccount"
)

// Middleware resolves the caller's credential from the Authorization
// or X-API-Key header and, when valid, stores the key and account in
// the gin context. It never rejects; pair with RequireAuth on routes
// that must be authenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("X-API-Key")
		}

		if credential != "" {
			if key, err := m.ValidateKey(c.Request.Context(), credential); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccount, key.Account)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against the ADMIN_SECRET env var.
// When ADMIN_SECRET is unset (demo mode) any authenticated caller is
// admitted.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("ADMIN_SECRET")
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required for admin operations.",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership admits only the account named by the URL parameter.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		target := strings.ToLower(c.Param(paramName))
		if !strings.EqualFold(key.Account, target) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this account.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the authenticated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// AuthenticatedAccount returns the caller's account ID, or "".
func AuthenticatedAccount(c *gin.Context) string {
	if v, exists := c.Get(ContextKeyAccount); exists {
		if account, ok := v.(string); ok {
			return account
		}
	}
	return ""
}

// IsAuthenticated reports whether Middleware validated a key.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
