package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/pagination"
)

const defaultHistoryLimit = 50

// Handler provides HTTP endpoints for balances and ledger history.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up ledger routes. A party reads only its own balance
// and history.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/balance", h.GetBalance)
	r.GET("/parties/:address/ledger", h.GetHistory)
}

// ownParty verifies the authenticated party matches the path address.
func ownParty(c *gin.Context) (string, bool) {
	address := strings.ToLower(c.Param("address"))
	if !strings.EqualFold(c.GetString("authPartyAddr"), address) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Balances can only be read for your own address",
		})
		return "", false
	}
	return address, true
}

// GetBalance handles GET /v1/parties/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address, ok := ownParty(c)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), address)
	if errors.Is(err, ErrAccountNotFound) {
		// New parties simply have nothing yet.
		balance = &Balance{
			Addr:      address,
			Available: "0.000000",
			Held:      "0.000000",
			TotalIn:   "0.000000",
			TotalOut:  "0.000000",
			UpdatedAt: time.Now(),
		}
		err = nil
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/parties/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address, ok := ownParty(c)
	if !ok {
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	entries, err := h.ledger.GetHistory(c.Request.Context(), address, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read ledger history",
		})
		return
	}

	entries, nextCursor, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if entries == nil {
		entries = []*Entry{}
	}

	resp := gin.H{
		"entries": entries,
		"count":   len(entries),
		"hasMore": hasMore,
	}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}
