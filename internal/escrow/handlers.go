package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public escrow routes. Auto-release is public on
// purpose: eligibility gates it, not identity, so funds can never be
// stuck behind a lost credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/auto-release", h.CheckAutoRelease)
	r.POST("/escrows/:id/auto-release", h.AutoRelease)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/escrows/:id/confirm-receipt", h.ConfirmReceipt)
	r.POST("/escrows/:id/dispute", h.RaiseDispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
}

// writeError maps service errors onto the HTTP error envelope.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStaleRecord):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrDeadlineNotReached):
		status = http.StatusConflict
		code = "deadline_not_reached"
	case errors.Is(err, ErrDeadlineExpired):
		status = http.StatusConflict
		code = "deadline_expired"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("order_id", req.OrderID),
		validation.ValidAddress("buyer_addr", req.BuyerAddr),
		validation.ValidAddress("seller_addr", req.SellerAddr),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated party must be the buyer whose funds get held.
	callerAddr := c.GetString("authPartyAddr")
	if !strings.EqualFold(callerAddr, req.BuyerAddr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated party must be the buyer",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/parties/:address/escrows?role=buyer|seller
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	role := c.Query("role")
	if role != "" && role != "buyer" && role != "seller" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role must be buyer or seller",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), address, role, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ConfirmDeliveryRequest carries the seller's tracking reference.
type ConfirmDeliveryRequest struct {
	TrackingInfo string `json:"trackingInfo"`
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authPartyAddr") // Set by auth middleware

	var req ConfirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.ConfirmDelivery(c.Request.Context(), id, callerAddr,
		validation.SanitizeString(req.TrackingInfo, validation.MaxReasonLength))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmReceipt handles POST /v1/escrows/:id/confirm-receipt
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authPartyAddr")

	e, err := h.service.ConfirmReceipt(c.Request.Context(), id, callerAddr)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DisputeRequest carries the contesting party's reason.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RaiseDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authPartyAddr")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	e, err := h.service.RaiseDispute(c.Request.Context(), id, callerAddr,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveRequest carries the resolver's verdict.
type ResolveRequest struct {
	FavorBuyer *bool `json:"favorBuyer" binding:"required"`
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authPartyAddr")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "favorBuyer is required",
		})
		return
	}

	e, err := h.service.ResolveDispute(c.Request.Context(), id, callerAddr, *req.FavorBuyer)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AutoRelease handles POST /v1/escrows/:id/auto-release
func (h *Handler) AutoRelease(c *gin.Context) {
	e, err := h.service.AutoRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CheckAutoRelease handles GET /v1/escrows/:id/auto-release
func (h *Handler) CheckAutoRelease(c *gin.Context) {
	eligible, err := h.service.CanAutoRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"eligible": eligible})
}
