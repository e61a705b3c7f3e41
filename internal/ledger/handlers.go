package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mabena/shamba/internal/pagination"
	"github.com/mabena/shamba/internal/token"
)

// Handler provides HTTP endpoints for ledger reads
type Handler struct {
	ledger *Ledger
	tokens *token.Registry
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, tokens *token.Registry, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, tokens: tokens, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/balances", h.GetBalances)
	r.GET("/ledger/:token/balance", h.GetBalance)
	r.GET("/ledger/:token/history", h.GetHistory)
}

// GetBalances handles GET /ledger/balances
func (h *Handler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balances",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balances": balances,
	})
}

// GetBalance handles GET /ledger/:token/balance
func (h *Handler) GetBalance(c *gin.Context) {
	kind := token.Kind(c.Param("token"))
	if !h.tokens.Accepted(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_token",
			"message": "Token is not accepted by the marketplace",
		})
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), kind)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   kind,
		"balance": balance,
	})
}

// GetHistory handles GET /ledger/:token/history
func (h *Handler) GetHistory(c *gin.Context) {
	kind := token.Kind(c.Param("token"))
	if !h.tokens.Accepted(kind) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unsupported_token",
			"message": "Token is not accepted by the marketplace",
		})
		return
	}

	limit := 50
	if limStr := c.Query("limit"); limStr != "" {
		if n, err := strconv.Atoi(limStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra to know whether another page exists.
	entries, err := h.ledger.History(c.Request.Context(), kind, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"token":       kind,
		"entries":     entries,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}
