package webhooks

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store

	// validateURL rejects subscription endpoints the dispatcher must not
	// call server-side (SSRF). Overridable in tests.
	validateURL func(string) error
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL}
}

// RegisterRoutes sets up webhook routes. All of them require auth; a party
// manages only its own subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:address/webhooks", h.CreateWebhook)
	r.GET("/parties/:address/webhooks", h.ListWebhooks)
	r.DELETE("/parties/:address/webhooks/:webhookId", h.DeleteWebhook)
}

// ownParty verifies the authenticated party matches the path address.
func ownParty(c *gin.Context) (string, bool) {
	address := strings.ToLower(c.Param("address"))
	if !strings.EqualFold(c.GetString("authPartyAddr"), address) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Webhooks can only be managed for your own address",
		})
		return "", false
	}
	return address, true
}

// CreateWebhookRequest for registering a webhook subscription.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/parties/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	address, ok := ownParty(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		if !ValidEventType(e) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "unknown event type: " + e,
			})
			return
		}
		events = append(events, EventType(e))
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		PartyAddr: address,
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": sub.Secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Escrowd-Signature",
		},
	})
}

// ListWebhooks handles GET /v1/parties/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	address, ok := ownParty(c)
	if !ok {
		return
	}

	subs, err := h.store.GetByParty(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /v1/parties/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	address, ok := ownParty(c)
	if !ok {
		return
	}

	webhookID := c.Param("webhookId")
	sub, err := h.store.Get(c.Request.Context(), webhookID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if sub.PartyAddr != address {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Webhook belongs to another party",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
