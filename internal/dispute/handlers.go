package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mabena/shamba/internal/auth"
	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/lockset"
	"github.com/mabena/shamba/internal/property"
)

// Handler provides HTTP endpoints for the dispute lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/leases/:leaseId/dispute", h.RaiseLeaseDispute)
	r.POST("/properties/:id/bids/:bidId/dispute", h.RaiseBidDispute)
}

// RegisterAdminRoutes sets up operator-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/leases/:leaseId/resolve", h.ResolveDispute)
}

// RaiseLeaseDispute handles POST /v1/leases/:leaseId/dispute
func (h *Handler) RaiseLeaseDispute(c *gin.Context) {
	leaseID, ok := param(c, "leaseId")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	caller := c.GetString(auth.ContextKeyAccount)
	lease, err := h.service.RaiseLeaseDispute(c.Request.Context(), caller, leaseID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lease": lease})
}

// RaiseBidDispute handles POST /v1/properties/:id/bids/:bidId/dispute
func (h *Handler) RaiseBidDispute(c *gin.Context) {
	propertyID, ok := param(c, "id")
	if !ok {
		return
	}
	bidID, ok := param(c, "bidId")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	caller := c.GetString(auth.ContextKeyAccount)
	b, err := h.service.RaiseBidDispute(c.Request.Context(), caller, propertyID, bidID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": b})
}

// ResolveDispute handles POST /v1/admin/disputes/leases/:leaseId/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	leaseID, ok := param(c, "leaseId")
	if !ok {
		return
	}
	var req struct {
		Winner string `json:"winner"`
		Payout string `json:"payout"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Winner == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner is required",
		})
		return
	}

	resolver := c.GetString(auth.ContextKeyAccount)
	if resolver == "" {
		resolver = "admin"
	}
	if err := h.service.ResolveDispute(c.Request.Context(), resolver, leaseID, req.Winner, req.Payout); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolution_issued"})
}

func param(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, property.ErrLeaseNotFound),
		errors.Is(err, property.ErrNotFound),
		errors.Is(err, bid.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotTenant), errors.Is(err, ErrNotBidder):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWrongStatus), errors.Is(err, ErrLeaseInactive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, lockset.ErrHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "operation_in_progress",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParty), errors.Is(err, ErrInvalidPayout),
		errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInvariantViolation):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invariant_violation",
			"message": "Accounting invariant violated; operation aborted",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
