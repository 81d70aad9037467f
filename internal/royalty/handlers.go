package royalty

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
)

// Handler provides HTTP endpoints for royalty configuration and distribution.
type Handler struct {
	service *Service
}

// NewHandler creates a new royalty handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) royalty routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/royalty/config", h.GetConfig)
	r.GET("/royalty/stats", h.GetStats)
	r.GET("/royalty/distributions", h.ListDistributions)
}

// RegisterProtectedRoutes sets up protected (auth-required) royalty routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/royalty/config", h.Initialize)
	r.PATCH("/royalty/config", h.Update)
	r.POST("/royalty/distribute", h.Distribute)
	r.POST("/royalty/pause", h.SetPause)
	r.POST("/royalty/withdraw", h.Withdraw)
}

type initBody struct {
	ID string `json:"id"`
	InitRequest
}

// Initialize handles POST /v1/royalty/config. The caller becomes the admin.
func (h *Handler) Initialize(c *gin.Context) {
	var req initBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	cfg, err := h.service.Initialize(c.Request.Context(), req.ID, c.GetString("authAgentAddr"), req.InitRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": cfg})
}

// GetConfig handles GET /v1/royalty/config?id=
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.service.GetConfig(c.Request.Context(), c.Query("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

// Update handles PATCH /v1/royalty/config?id=
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	cfg, err := h.service.Update(c.Request.Context(), c.Query("id"), c.GetString("authAgentAddr"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

type distributeBody struct {
	ConfigID string `json:"configId"`
	DistributeRequest
}

// Distribute handles POST /v1/royalty/distribute. Funds come from the
// caller's own account.
func (h *Handler) Distribute(c *gin.Context) {
	var req distributeBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	rec, err := h.service.Distribute(c.Request.Context(), req.ConfigID, c.GetString("authAgentAddr"), req.DistributeRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"distribution": rec})
}

type pauseBody struct {
	ConfigID string `json:"configId"`
	Paused   *bool  `json:"paused" binding:"required"`
}

// SetPause handles POST /v1/royalty/pause
func (h *Handler) SetPause(c *gin.Context) {
	var req pauseBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "paused is required"})
		return
	}

	cfg, err := h.service.SetPause(c.Request.Context(), req.ConfigID, c.GetString("authAgentAddr"), *req.Paused)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": cfg})
}

type withdrawBody struct {
	ConfigID    string `json:"configId"`
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination" binding:"required"`
}

// Withdraw handles POST /v1/royalty/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "destination is required"})
		return
	}

	if err := h.service.WithdrawPlatformFees(c.Request.Context(), req.ConfigID, c.GetString("authAgentAddr"), req.Amount, req.Destination); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawn": req.Amount, "destination": req.Destination})
}

// GetStats handles GET /v1/royalty/stats?id=
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ListDistributions handles GET /v1/royalty/distributions?beneficiary=
func (h *Handler) ListDistributions(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	recs, err := h.service.ListDistributions(c.Request.Context(), c.Query("beneficiary"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"distributions": recs, "count": len(recs)})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrConfigNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAlreadyInitialized):
		status, code = http.StatusConflict, "already_initialized"
	case errors.Is(err, ErrPaused):
		status, code = http.StatusConflict, "paused"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidShareTotal):
		status, code = http.StatusBadRequest, "invalid_share_total"
	case errors.Is(err, ErrInvalidPlatformWallet):
		status, code = http.StatusBadRequest, "invalid_platform_wallet"
	case errors.Is(err, ErrInvalidTreasuryWallet):
		status, code = http.StatusBadRequest, "invalid_treasury_wallet"
	case errors.Is(err, ErrInvalidDestination), errors.Is(err, ErrInvalidCreator):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrOverflow):
		status, code = http.StatusUnprocessableEntity, "overflow"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("royalty request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
