package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/validation"
)

// Gin context keys set by Middleware.
const (
	ContextKeyAPIKey    = "apiKey"
	ContextKeyAgentAddr = "authAgentAddr"
)

// AdminSecretHeader carries the operator secret checked by RequireAdmin.
const AdminSecretHeader = "X-Admin-Secret"

// Middleware resolves the caller's API key, if any. It never rejects: a
// missing, unknown or revoked key leaves the request anonymous and the
// guards below decide.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := presentedKey(c); raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAgentAddr, key.AgentAddr)
			}
		}
		c.Next()
	}
}

// presentedKey reads "Authorization: Bearer sk_..." or X-API-Key.
func presentedKey(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return v
	}
	return c.GetHeader("X-API-Key")
}

// RequireAuth rejects anonymous requests with 401.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			deny(c, http.StatusUnauthorized, "unauthorized",
				"API key required. Include 'Authorization: Bearer sk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireOwnership admits only the principal named by the paramName route
// parameter. Addresses compare after normalization, so case and a missing
// 0x prefix do not matter.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			deny(c, http.StatusUnauthorized, "unauthorized", "API key required.")
			return
		}
		if validation.NormalizeAddress(key.AgentAddr) != validation.NormalizeAddress(c.Param(paramName)) {
			deny(c, http.StatusForbidden, "forbidden", "You do not own this account.")
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator endpoints. With a secret configured the
// X-Admin-Secret header must match it; without one (development) any
// authenticated caller passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				deny(c, http.StatusUnauthorized, "unauthorized", "API key required.")
				return
			}
			c.Next()
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			deny(c, http.StatusForbidden, "forbidden", "Admin secret required.")
			return
		}
		c.Next()
	}
}

func deny(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
}

// GetAPIKey returns the caller's key, if authenticated.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAgent returns the caller's address or "".
func GetAuthenticatedAgent(c *gin.Context) string {
	return c.GetString(ContextKeyAgentAddr)
}

// IsAuthenticated reports whether Middleware accepted a key.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}
