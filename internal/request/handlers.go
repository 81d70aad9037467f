package request

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/escrow"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/validation"
)

// Handler provides HTTP endpoints for service requests.
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) request routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests/:id", h.GetRequest)
	r.GET("/requests/:id/escrow", h.GetEscrow)
	r.GET("/requests/agent/:address", validation.AddressParamMiddleware(), h.ListRequests)
}

// RegisterProtectedRoutes sets up protected (auth-required) request routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.POST("/requests/:id/start", h.Start)
	r.POST("/requests/:id/result", h.SubmitResult)
	r.POST("/requests/:id/approve", h.Approve)
	r.POST("/requests/:id/dispute", h.Dispute)
	r.POST("/requests/:id/cancel", h.Cancel)
}

// CreateRequest handles POST /v1/requests. The caller is the requester.
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Check(
		validation.Required("providerAddr", req.ProviderAddr),
		validation.Address("providerAddr", req.ProviderAddr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	r, err := h.service.Create(c.Request.Context(), c.GetString("authAgentAddr"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// GetEscrow handles GET /v1/requests/:id/escrow
func (h *Handler) GetEscrow(c *gin.Context) {
	addr, bal, err := h.service.Custody(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowAccount": addr, "balance": bal})
}

// ListRequests handles GET /v1/requests/agent/:address?role=requester|provider
func (h *Handler) ListRequests(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	var (
		list []*Request
		err  error
	)
	switch role := c.DefaultQuery("role", "requester"); role {
	case "requester":
		list, err = h.service.ListByRequester(c.Request.Context(), c.Param("address"), limit)
	case "provider":
		list, err = h.service.ListByProvider(c.Request.Context(), c.Param("address"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be requester or provider",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

// Start handles POST /v1/requests/:id/start
func (h *Handler) Start(c *gin.Context) {
	r, err := h.service.Start(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ResultRequest carries a provider's result.
type ResultRequest struct {
	ResultData string `json:"resultData" binding:"required"`
}

// SubmitResult handles POST /v1/requests/:id/result
func (h *Handler) SubmitResult(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resultData is required",
		})
		return
	}

	r, err := h.service.SubmitResult(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req.ResultData)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Approve handles POST /v1/requests/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	r, err := h.service.Approve(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r, "settlement": r.Settlement})
}

// DisputeRequest contains the reason for disputing a result.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/requests/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	r, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Cancel handles POST /v1/requests/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	r, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authAgentAddr"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidProvider):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrPayloadTooLong), errors.Is(err, ErrResultTooLong),
		errors.Is(err, ErrReasonTooLong):
		status, code = http.StatusBadRequest, "too_long"
	case errors.Is(err, ErrEmptyResult):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrOverflow):
		status, code = http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, ErrCustodyInvariant), errors.Is(err, escrow.ErrInsufficientCustodyBalance):
		code = "settlement_invariant"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request operation failed",
			"path", c.FullPath(), "request", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
