package deposits

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody caps Stripe payload size, per their webhook guidance.
const maxWebhookBody = 64 * 1024

// Handler exposes the Stripe webhook endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a deposits webhook handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the webhook route. Stripe authenticates via the
// signature header, not API keys, so this lives outside the auth group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// StripeWebhook handles POST /v1/webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read payload",
		})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	case errors.Is(err, ErrMissingParty), errors.Is(err, ErrInvalidParty):
		// Retrying won't fix bad metadata; acknowledge with an error body.
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_metadata",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process payment",
		})
	}
}
