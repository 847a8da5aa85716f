package gate

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/chatgate/internal/subscriptions"
)

// maxWebhookBody bounds a Stripe delivery.
const maxWebhookBody = 64 * 1024

// Handler exposes the ingest and job endpoints.
type Handler struct {
	service   *Service
	scheduler *Scheduler
}

// NewHandler creates a gate handler.
func NewHandler(service *Service, scheduler *Scheduler) *Handler {
	return &Handler{service: service, scheduler: scheduler}
}

// RegisterIngestRoutes sets up the routes the chat service and payment
// gateway call.
func (h *Handler) RegisterIngestRoutes(r *gin.RouterGroup) {
	r.POST("/usage/reports", h.ReportUsage)
	r.POST("/payments/confirmed", h.ConfirmPayment)
}

// RegisterWebhookRoutes sets up routes authenticated by payload signature.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/stripe/webhook", h.StripeWebhook)
}

// RegisterAdminRoutes sets up job control routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs/:name/run", h.RunJob)
}

// ReportUsage handles POST /v1/usage/reports
func (h *Handler) ReportUsage(c *gin.Context) {
	var req Report
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	out := h.service.ReportUsage(c.Request.Context(), req)
	c.JSON(http.StatusAccepted, gin.H{"report": out})
}

// ConfirmPayment handles POST /v1/payments/confirmed
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req subscriptions.Payment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	out, err := h.service.ConfirmPayment(c.Request.Context(), req)
	if err != nil && out == nil {
		subscriptions.WriteError(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"payment": out, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": out})
}

// StripeWebhook handles POST /v1/payments/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	action, err := h.service.HandleStripe(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, subscriptions.ErrStripeNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_configured", "message": err.Error()})
	case errors.Is(err, subscriptions.ErrStripeSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
	case err != nil:
		// Non-2xx makes Stripe redeliver.
		subscriptions.WriteError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "action": action.Kind})
	}
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.scheduler.Jobs(), "running": h.scheduler.Running()})
}

// RunJob handles POST /v1/jobs/:name/run
func (h *Handler) RunJob(c *gin.Context) {
	name := c.Param("name")
	summary, err := h.scheduler.RunJob(c.Request.Context(), name)
	switch {
	case errors.Is(err, ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job_running", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job_failed", "message": err.Error(), "result": summary})
	default:
		c.JSON(http.StatusOK, gin.H{"job": name, "result": summary})
	}
}
