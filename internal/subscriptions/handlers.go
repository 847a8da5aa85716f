package subscriptions

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Handler provides HTTP endpoints for subscription queries and lifecycle changes.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a subscription handler.
func NewHandler(r *Reconciler) *Handler {
	return &Handler{reconciler: r}
}

// RegisterAdminRoutes sets up admin subscription routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/subscriptions", h.ListSubscriptions)
	r.GET("/subscriptions/:id", h.GetSubscription)
	r.GET("/subscriptions/:id/expiry", h.DaysUntilExpiry)
	r.POST("/subscriptions/:id/status", h.UpdateStatus)
	r.GET("/transactions/:txn", h.ValidateTransaction)
	r.GET("/accounts/:id/entitlement", h.Entitlement)
	r.POST("/accounts/:id/entitlement/recompute", h.Recompute)
}

// StatusRequest is the body of POST /v1/subscriptions/:id/status.
type StatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// ListSubscriptions handles GET /v1/subscriptions?accountId=&status=&type=&cursor=&limit=
func (h *Handler) ListSubscriptions(c *gin.Context) {
	f := ListFilter{
		AccountID: c.Query("accountId"),
		Status:    Status(c.Query("status")),
		Type:      Type(c.Query("type")),
		Limit:     pagination.Limit(c.Query("limit")),
	}
	items, next, more, err := h.reconciler.List(c.Request.Context(), f, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscriptions": items,
		"count":         len(items),
		"nextCursor":    next,
		"hasMore":       more,
	})
}

// GetSubscription handles GET /v1/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	s, err := h.reconciler.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// DaysUntilExpiry handles GET /v1/subscriptions/:id/expiry
func (h *Handler) DaysUntilExpiry(c *gin.Context) {
	days, err := h.reconciler.DaysUntilExpiry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptionId": c.Param("id"), "daysLeft": days})
}

// UpdateStatus handles POST /v1/subscriptions/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	s, err := h.reconciler.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": s})
}

// ValidateTransaction handles GET /v1/transactions/:txn
func (h *Handler) ValidateTransaction(c *gin.Context) {
	s, err := h.reconciler.ValidateTransaction(c.Request.Context(), c.Param("txn"))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusOK, gin.H{"recorded": false})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true, "subscription": s})
}

// Entitlement handles GET /v1/accounts/:id/entitlement
func (h *Handler) Entitlement(c *gin.Context) {
	entitled, err := h.reconciler.IsEntitled(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "entitled": entitled})
}

// Recompute handles POST /v1/accounts/:id/entitlement/recompute
func (h *Handler) Recompute(c *gin.Context) {
	premium, err := h.reconciler.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": c.Param("id"), "premium": premium})
}

// WriteError maps subscription errors onto HTTP responses.
func WriteError(c *gin.Context, err error) {
	writeError(c, err)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidSubscription), errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrDuplicateTransaction):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_transaction", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, faults.ErrInvariantViolation):
		c.JSON(http.StatusConflict, gin.H{"error": "invariant_violation", "message": err.Error()})
	case faults.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Upstream temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
