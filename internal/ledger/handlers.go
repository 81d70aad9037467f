package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/validation"
)

// Handler provides HTTP endpoints for balances and funding
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up public ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// RegisterProtectedRoutes sets up routes that act on the caller's own account
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/deposits", h.RecordDeposit)
}

// GetBalance handles GET /accounts/:address
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.ledger.GetBalance(c.Request.Context(), validation.NormalizeAddress(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), validation.NormalizeAddress(c.Param("address")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest records an external payment credited to an account (admin use)
type DepositRequest struct {
	Address   string `json:"address" binding:"required"`
	Amount    uint64 `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, amount and reference are required",
		})
		return
	}
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 0x followed by 40 hex chars",
		})
		return
	}

	addr := validation.NormalizeAddress(req.Address)
	err := h.ledger.Deposit(c.Request.Context(), addr, req.Amount, req.Reference)
	switch {
	case errors.Is(err, ErrDuplicateDeposit):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_deposit", "message": err.Error()})
		return
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrOverflow):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	case err != nil:
		h.logger.Error("deposit failed", "address", addr, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed", "message": "Failed to record deposit"})
		return
	}

	h.logger.Info("deposit recorded", "address", addr, "amount", req.Amount, "reference", req.Reference)
	acct, _ := h.ledger.GetBalance(c.Request.Context(), addr)
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// WithdrawRequest moves funds out to an external destination
type WithdrawRequest struct {
	Amount    uint64 `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Withdraw handles POST /accounts/:address/withdraw. The route is expected
// to sit behind an ownership check on :address.
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}

	addr := validation.NormalizeAddress(c.Param("address"))
	err := h.ledger.Withdraw(c.Request.Context(), addr, req.Amount, req.Reference)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": err.Error()})
		return
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	case err != nil:
		h.logger.Error("withdraw failed", "address", addr, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdraw_failed", "message": "Failed to withdraw"})
		return
	}

	acct, _ := h.ledger.GetBalance(c.Request.Context(), addr)
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
