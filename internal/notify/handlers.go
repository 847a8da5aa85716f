package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/faults"
	"github.com/mbd888/chatgate/internal/pagination"
)

// Handler exposes the notice outbox to operators and the delivery worker.
type Handler struct {
	service *Service
}

// NewHandler creates a notice handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the admin notice routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/notices", h.ListNotices)
	r.POST("/notices/:id/delivered", h.MarkDelivered)
}

// ListNotices handles GET /v1/notices?accountId=&pending=true&cursor=&limit=
func (h *Handler) ListNotices(c *gin.Context) {
	pending := c.Query("pending") == "true"
	items, next, more, err := h.service.List(c.Request.Context(), c.Query("accountId"), pending,
		c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notices":    items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// MarkDelivered handles POST /v1/notices/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	if err := h.service.MarkDelivered(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true})
}
