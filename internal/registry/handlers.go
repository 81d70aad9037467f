package registry

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/logging"
)

// Handler provides HTTP handlers for the registry API
type Handler struct {
	service *Service
}

// NewHandler creates a new registry handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public registry routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
}

// RegisterProtectedRoutes sets up auth-required registry routes
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.PATCH("/agents/:id", h.UpdateAgent)
}

// RegisterAgent handles POST /agents. The caller becomes the creator.
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.Register(c.Request.Context(), c.GetString("authAgentAddr"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent handles GET /agents/:id. The id may also be the agent's address.
func (h *Handler) GetAgent(c *gin.Context) {
	id := c.Param("id")

	var (
		agent *Agent
		err   error
	)
	if strings.HasPrefix(strings.ToLower(id), "0x") {
		agent, err = h.service.GetByAddress(c.Request.Context(), id)
	} else {
		agent, err = h.service.Get(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent handles PATCH /agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, err := h.service.Update(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListAgents handles GET /agents?capability=&active=&limit=&offset=
func (h *Handler) ListAgents(c *gin.Context) {
	query := AgentQuery{
		Capability: c.Query("capability"),
		Limit:      parseIntQuery(c, "limit", 100),
		Offset:     parseIntQuery(c, "offset", 0),
	}
	if activeStr := c.Query("active"); activeStr != "" {
		active := activeStr == "true"
		query.Active = &active
	}

	agents, err := h.service.List(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

func parseIntQuery(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil && v >= 0 {
		return min(v, 1000)
	}
	return def
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrAgentNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAgentExists), errors.Is(err, ErrAddressTaken):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidPricing):
		status, code = http.StatusBadRequest, "invalid_pricing"
	case errors.Is(err, ErrNameTooLong), errors.Is(err, ErrDescriptionTooLong),
		errors.Is(err, ErrEndpointTooLong), errors.Is(err, ErrInvalidEndpoint),
		errors.Is(err, ErrMetadataTooLong),
		errors.Is(err, ErrTooManyCapabilities), errors.Is(err, ErrCapabilityTooLong),
		errors.Is(err, ErrNameRequired):
		status, code = http.StatusBadRequest, "validation_error"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("registry operation failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
