// Package security provides HTTP hardening for the marketplace API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Headers exposed to browser clients.
const (
	allowMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	allowHeaders = "Authorization, Content-Type, X-API-Key, X-Admin-Secret, X-Request-ID"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so the content policy forbids everything but WebSocket
// connections back to the origin.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints. An empty list or "*"
// allows every origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	wildcard := len(allowedOrigins) == 0
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || origins[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
			// Credentials only with an explicit allow list.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
