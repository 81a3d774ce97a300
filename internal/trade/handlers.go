package trade

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peertrade/core/internal/pagination"
	"github.com/peertrade/core/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// PartyIDMiddleware copies the caller's party ID from the X-Party-ID header
// into the request context. Session authentication happens upstream; this
// layer only needs to know which side of the trade is acting.
func PartyIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("partyID", c.GetHeader("X-Party-ID"))
		c.Next()
	}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/dispute", h.GetDisputeState)
	r.GET("/parties/:id/trades", validation.PartyParamMiddleware(), h.ListTrades)
	r.POST("/trades/:id/pay", h.MarkPaid)
	r.POST("/trades/:id/release", h.Release)
	r.POST("/trades/:id/cancel", h.Cancel)
	r.POST("/trades/:id/dispute", h.OpenDispute)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": verrs.Error(),
				"details": verrs,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "trade_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// GetDisputeState handles GET /v1/trades/:id/dispute
//
// Returns the countdown so clients render MM:SS without local clock math.
func (h *Handler) GetDisputeState(c *gin.Context) {
	t, state, err := h.service.DisputeState(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tradeId":       t.ID,
		"status":        t.Status,
		"remainingSecs": int(state.Remaining / time.Second),
		"clock":         state.Clock(),
		"canDispute":    state.CanDispute,
	})
}

// ListTrades handles GET /v1/parties/:id/trades
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor := c.Query("cursor")
	if _, err := pagination.Decode(cursor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	trades, next, hasMore, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), cursor, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades":     trades,
		"count":      len(trades),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// MarkPaid handles POST /v1/trades/:id/pay
func (h *Handler) MarkPaid(c *gin.Context) {
	t, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"), c.GetString("partyID"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Release handles POST /v1/trades/:id/release
func (h *Handler) Release(c *gin.Context) {
	t, err := h.service.Release(c.Request.Context(), c.Param("id"), c.GetString("partyID"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Cancel handles POST /v1/trades/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("partyID"))
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// disputeRequest is the body for POST /v1/trades/:id/dispute.
type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason is required",
		})
		return
	}

	t, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), c.GetString("partyID"), req.Reason)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// renderError maps service errors onto HTTP responses. Precondition
// violations come back as warnings the view can toast; store failures come
// back with the underlying message so the user knows to re-trigger.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAwaitingPayment):
		status = http.StatusConflict
		code = "awaiting_payment"
	case errors.Is(err, ErrAlreadyPaid):
		status = http.StatusConflict
		code = "already_paid"
	case errors.Is(err, ErrAlreadyReleased):
		status = http.StatusConflict
		code = "already_released"
	case errors.Is(err, ErrTradeResolved):
		status = http.StatusConflict
		code = "trade_resolved"
	case errors.Is(err, ErrDisputeTooEarly):
		status = http.StatusConflict
		code = "dispute_window_open"
	case errors.Is(err, ErrBuyerCommitted):
		status = http.StatusConflict
		code = "buyer_committed"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_status"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
