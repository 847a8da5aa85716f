package params

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/faults"
)

// Handler provides HTTP endpoints for system parameters.
type Handler struct {
	service *Service
}

// NewHandler creates a parameter handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the admin parameter routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/params", h.ListParams)
	r.GET("/params/:key", h.GetParam)
	r.PUT("/params/:key", h.SetParam)
	r.DELETE("/params/:key", h.DeleteParam)
}

// ListParams handles GET /v1/params?q=
func (h *Handler) ListParams(c *gin.Context) {
	items, err := h.service.List(c.Request.Context(), c.Query("q"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": items, "count": len(items)})
}

// GetParam handles GET /v1/params/:key
func (h *Handler) GetParam(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"param": p})
}

// SetParam handles PUT /v1/params/:key
func (h *Handler) SetParam(c *gin.Context) {
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	p, err := h.service.Set(c.Request.Context(), c.Param("key"), req)
	if errors.Is(err, ErrPropagation) {
		c.JSON(http.StatusOK, gin.H{"param": p, "warning": err.Error()})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"param": p})
}

// DeleteParam handles DELETE /v1/params/:key
func (h *Handler) DeleteParam(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("key")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, faults.ErrConfigInvalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_value", "message": err.Error()})
	case errors.Is(err, ErrProtected):
		c.JSON(http.StatusConflict, gin.H{"error": "protected", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
	}
}
