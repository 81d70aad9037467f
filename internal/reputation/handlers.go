package reputation

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/validation"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	service       *Service
	snapshotStore SnapshotStore
	signer        *Signer
}

// NewHandler creates a new reputation handler. store and signer may be nil.
func NewHandler(service *Service, store SnapshotStore, signer *Signer) *Handler {
	return &Handler{service: service, snapshotStore: store, signer: signer}
}

// RegisterRoutes sets up public reputation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation", h.ListProfiles)
	r.GET("/reputation/:address", validation.AddressParamMiddleware(), h.GetProfile)
	r.GET("/reputation/:address/ratings", validation.AddressParamMiddleware(), h.ListRatings)
	r.GET("/reputation/:address/history", validation.AddressParamMiddleware(), h.GetHistory)
	r.GET("/ratings/:id", h.GetRating)
}

// RegisterProtectedRoutes sets up auth-required reputation endpoints.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/reputation", h.InitializeProfile)
	r.POST("/ratings", h.SubmitRating)
	r.POST("/ratings/:id/report", h.ReportRating)
	r.POST("/ratings/:id/moderate", h.ModerateRating)
}

// InitializeProfile handles POST /v1/reputation. The caller's profile is created.
func (h *Handler) InitializeProfile(c *gin.Context) {
	p, err := h.service.InitializeProfile(c.Request.Context(), c.GetString("authAgentAddr"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"profile": p})
}

// GetProfile returns an agent's profile, signed when a signer is configured.
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.service.GetProfile(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.signer.SignProfile(p))
}

// ListProfiles handles GET /v1/reputation
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles, err := h.service.ListProfiles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

// ListRatings handles GET /v1/reputation/:address/ratings?limit=
func (h *Handler) ListRatings(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	ratings, err := h.service.ListRatings(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ratings": ratings, "count": len(ratings)})
}

// GetHistory returns historical profile snapshots.
// GET /v1/reputation/:address/history?from=&to=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	address := strings.ToLower(c.Param("address"))

	if h.snapshotStore == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_available",
			"message": "Historical reputation data is not available",
		})
		return
	}

	q := HistoryQuery{AgentAddr: address, Limit: 100}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = min(parsed, 1000)
		}
	}

	snapshots, err := h.snapshotStore.Query(c.Request.Context(), q)
	if err != nil {
		logging.L(c.Request.Context()).Error("reputation history query failed", "agent", address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Failed to query reputation history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agentAddr": address,
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

// GetRating handles GET /v1/ratings/:id
func (h *Handler) GetRating(c *gin.Context) {
	rt, err := h.service.GetRating(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rt})
}

// SubmitRating handles POST /v1/ratings. The caller is the rater.
func (h *Handler) SubmitRating(c *gin.Context) {
	var req RatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestId is required",
		})
		return
	}

	rt, err := h.service.SubmitRating(c.Request.Context(), c.GetString("authAgentAddr"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rating": rt})
}

// ReportRequest contains the reason for reporting a rating.
type ReportRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ReportRating handles POST /v1/ratings/:id/report
func (h *Handler) ReportRating(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	rt, err := h.service.ReportRating(c.Request.Context(), c.GetString("authAgentAddr"), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rt})
}

// ModerateRequest is a moderator's ruling.
type ModerateRequest struct {
	IsValid   *bool  `json:"isValid" binding:"required"`
	AdminNote string `json:"adminNote"`
}

// ModerateRating handles POST /v1/ratings/:id/moderate
func (h *Handler) ModerateRating(c *gin.Context) {
	var req ModerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "isValid is required",
		})
		return
	}

	rt, err := h.service.ModerateRating(c.Request.Context(), c.GetString("authAgentAddr"), c.Param("id"), *req.IsValid, req.AdminNote)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": rt})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrProfileNotFound), errors.Is(err, ErrRatingNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrProfileExists):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, ErrDuplicateRating):
		status, code = http.StatusConflict, "duplicate_rating"
	case errors.Is(err, ErrAlreadyInvalidated):
		status, code = http.StatusConflict, "already_invalidated"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAgentMismatch):
		status, code = http.StatusForbidden, "agent_mismatch"
	case errors.Is(err, ErrInvalidRating):
		status, code = http.StatusBadRequest, "invalid_rating"
	case errors.Is(err, ErrReviewTooLong), errors.Is(err, ErrReasonTooLong), errors.Is(err, ErrNoteTooLong):
		status, code = http.StatusBadRequest, "too_long"
	case errors.Is(err, ErrInvalidAgent):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrMissingRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrOverflow):
		status, code = http.StatusUnprocessableEntity, "overflow"
	case errors.Is(err, ErrNotEligible):
		status, code = http.StatusForbidden, "not_eligible"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("reputation operation failed",
			"path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
