package accounts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Handler provides HTTP endpoints for account administration.
type Handler struct {
	service *Service
}

// NewHandler creates a new account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only account routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.RegisterAccount)
	r.GET("/accounts/disabled", h.ListDisabled)
	r.GET("/accounts/:id", h.GetAccount)
	r.POST("/accounts/:id/status", h.ChangeStatus)
	r.POST("/accounts/:id/privileged", h.SetPrivileged)
}

// RegisterRequest is the body of POST /v1/accounts.
type RegisterRequest struct {
	Username   string `json:"username" binding:"required,max=100"`
	Privileged bool   `json:"privileged"`
}

// StatusRequest is the body of POST /v1/accounts/:id/status.
type StatusRequest struct {
	Status AccessStatus `json:"status" binding:"required"`
}

// PrivilegedRequest is the body of POST /v1/accounts/:id/privileged.
type PrivilegedRequest struct {
	Privileged bool `json:"privileged"`
}

// RegisterAccount handles POST /v1/accounts
func (h *Handler) RegisterAccount(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.service.Register(c.Request.Context(), req.Username, req.Privileged)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// ListDisabled handles GET /v1/accounts/disabled?reason=usage_limit_exceeded&cursor=&limit=
func (h *Handler) ListDisabled(c *gin.Context) {
	reason := DisabledReason(c.DefaultQuery("reason", string(ReasonUsageLimit)))
	if reason == "any" {
		reason = ""
	}

	items, next, more, err := h.service.ListDisabled(c.Request.Context(), reason, c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":   items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// ChangeStatus handles POST /v1/accounts/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.service.ChangeStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

// SetPrivileged handles POST /v1/accounts/:id/privileged
func (h *Handler) SetPrivileged(c *gin.Context) {
	var req PrivilegedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	a, err := h.service.SetPrivileged(c.Request.Context(), c.Param("id"), req.Privileged)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": a})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrAccountExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": err.Error()})
	case errors.Is(err, faults.ErrInvariantViolation):
		c.JSON(http.StatusConflict, gin.H{"error": "invariant_violation", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
