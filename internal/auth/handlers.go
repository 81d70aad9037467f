package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/logging"
)

const storeKeyWarning = "Store this key securely. It will not be shown again."

// Handler serves key management over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the anonymous routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
}

// RegisterProtectedRoutes mounts routes acting on the caller's own keys.
// The group must carry RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.withKey(h.GetCurrentAgent))
	r.GET("/auth/keys", h.withKey(h.ListKeys))
	r.POST("/auth/keys", h.withKey(h.CreateKey))
	r.DELETE("/auth/keys/:keyId", h.withKey(h.RevokeKey))
	r.POST("/auth/keys/:keyId/regenerate", h.withKey(h.RegenerateKey))
}

// RegisterAdminRoutes mounts operator routes. The group must carry RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/keys", h.IssueKey)
}

// withKey resolves the caller's key before running fn.
func (h *Handler) withKey(fn func(*gin.Context, *APIKey)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			deny(c, http.StatusUnauthorized, "unauthorized", "API key required.")
			return
		}
		fn(c, key)
	}
}

// keyView is an APIKey without its hash.
type keyView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
	Revoked   bool      `json:"revoked"`
}

func viewOf(k *APIKey) keyView {
	return keyView{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsed: k.LastUsed, Revoked: k.Revoked}
}

// Info describes how to authenticate.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "Keys are issued by the operator (POST /v1/admin/keys).",
		"publicEndpoints": []string{
			"GET /v1/requests/:id",
			"GET /v1/royalty/config",
			"GET /v1/reputation/:address",
			"GET /v1/agents",
			"GET /v1/events",
		},
		"protectedEndpoints": []string{
			"POST /v1/requests",
			"POST /v1/requests/:id/approve",
			"POST /v1/royalty/distribute",
			"POST /v1/ratings",
			"POST /v1/agents",
		},
	})
}

// IssueKeyRequest is the body of POST /v1/admin/keys.
type IssueKeyRequest struct {
	AgentAddr string `json:"agentAddr" binding:"required"`
	Name      string `json:"name"`
}

// IssueKey mints a key for any principal.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		deny(c, http.StatusBadRequest, "invalid_request", "agentAddr is required")
		return
	}
	if req.Name == "" {
		req.Name = "Issued key"
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), req.AgentAddr, req.Name)
	switch {
	case errors.Is(err, ErrInvalidAddress):
		deny(c, http.StatusBadRequest, "invalid_address", err.Error())
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("issue api key failed", "agent", req.AgentAddr, "error", err)
		deny(c, http.StatusInternalServerError, "internal_error", "Failed to create API key")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":    raw,
		"keyId":     key.ID,
		"agentAddr": key.AgentAddr,
		"warning":   storeKeyWarning,
	})
}

func (h *Handler) ListKeys(c *gin.Context, caller *APIKey) {
	keys, err := h.manager.ListKeys(c.Request.Context(), caller.AgentAddr)
	if err != nil {
		logging.L(c.Request.Context()).Error("list api keys failed", "agent", caller.AgentAddr, "error", err)
		deny(c, http.StatusInternalServerError, "internal_error", "Failed to list keys")
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, viewOf(k))
	}
	c.JSON(http.StatusOK, gin.H{"keys": views, "count": len(views)})
}

// CreateKeyRequest is the optional body of POST /v1/auth/keys.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateKey(c *gin.Context, caller *APIKey) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	raw, key, err := h.manager.GenerateKey(c.Request.Context(), caller.AgentAddr, req.Name)
	if err != nil {
		deny(c, http.StatusInternalServerError, "internal_error", "Failed to create API key")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  raw,
		"keyId":   key.ID,
		"name":    key.Name,
		"warning": storeKeyWarning,
	})
}

// RevokeKey revokes one of the caller's keys, never the one in use.
func (h *Handler) RevokeKey(c *gin.Context, caller *APIKey) {
	id := c.Param("keyId")
	if id == caller.ID {
		deny(c, http.StatusBadRequest, "cannot_revoke_current", "Cannot revoke the key you're using")
		return
	}
	if !h.revoke(c, id, caller) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": id})
}

// RegenerateKey revokes a key and mints its replacement.
func (h *Handler) RegenerateKey(c *gin.Context, caller *APIKey) {
	id := c.Param("keyId")
	if !h.revoke(c, id, caller) {
		return
	}
	raw, key, err := h.manager.GenerateKey(c.Request.Context(), caller.AgentAddr, "Regenerated key")
	if err != nil {
		deny(c, http.StatusInternalServerError, "internal_error", "Failed to regenerate API key")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"apiKey":   raw,
		"keyId":    key.ID,
		"oldKeyId": id,
		"warning":  storeKeyWarning,
	})
}

func (h *Handler) revoke(c *gin.Context, id string, caller *APIKey) bool {
	if err := h.manager.RevokeKey(c.Request.Context(), id, caller.AgentAddr); err != nil {
		deny(c, http.StatusNotFound, "key_not_found", "Key not found or already revoked")
		return false
	}
	return true
}

func (h *Handler) GetCurrentAgent(c *gin.Context, caller *APIKey) {
	c.JSON(http.StatusOK, gin.H{
		"agentAddress": caller.AgentAddr,
		"keyId":        caller.ID,
		"keyName":      caller.Name,
		"createdAt":    caller.CreatedAt,
		"lastUsed":     caller.LastUsed,
	})
}
