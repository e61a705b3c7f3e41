package market

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mabena/shamba/internal/auth"
	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/lockset"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/registry"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
)

// Handler provides the HTTP surface for the marketplace sagas.
type Handler struct {
	market *Market
	// webhookSecret signs transfer-service callbacks and deposit
	// notifications. Empty disables verification (demo mode).
	webhookSecret string
}

// NewHandler creates a market handler.
func NewHandler(m *Market, webhookSecret string) *Handler {
	return &Handler{market: m, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up public (read-only and permissionless) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/properties", h.ListProperties)
	r.GET("/properties/:id", h.GetProperty)
	r.GET("/properties/:id/bids", h.ListBids)
	r.GET("/bids/:bidId", h.GetBid)
	r.GET("/tokens", h.ListTokens)

	// Recovery paths are deliberately permissionless; funds can only
	// ever flow back to the bidder.
	r.POST("/properties/:id/bids/:bidId/timeout-refund", h.RefundTimeout)
	r.POST("/properties/:id/sweep-siblings", h.SweepSiblings)
	r.POST("/leases/:leaseId/expire", h.ExpireLease)
	r.POST("/leases/sweep", h.SweepLeases)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/properties", h.MintProperty)
	r.POST("/properties/:id/delist", h.DelistProperty)
	r.DELETE("/properties/:id", h.DeleteProperty)

	r.POST("/properties/:id/bids/:bidId/accept", h.AcceptBid)
	r.POST("/properties/:id/bids/:bidId/reject", h.RejectBid)
	r.POST("/properties/:id/bids/:bidId/cancel", h.CancelBid)
	r.POST("/properties/:id/bids/:bidId/documents/release", h.ReleaseDocuments)
	r.POST("/properties/:id/bids/:bidId/documents/confirm", h.ConfirmDocuments)
	r.POST("/properties/:id/bids/:bidId/escrow/release", h.ReleaseEscrow)
	r.POST("/properties/:id/bids/:bidId/claim", h.ClaimLostBid)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.AddToken)
	r.DELETE("/tokens/:token", h.RemoveToken)
	r.POST("/properties/:id/refund-bids", h.RefundBids)
	r.POST("/withdrawals", h.Withdraw)
	r.GET("/disputes/leases", h.OpenLeaseDisputes)
}

// RegisterWebhookRoutes sets up the inbound token-service surface:
// deposit notifications and transfer callbacks. Signature-verified,
// not API-key authenticated.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/transfers/deposit", h.Deposit)
	r.POST("/transfers/callback", h.TransferCallback)
}

// ListProperties handles GET /v1/properties
func (h *Handler) ListProperties(c *gin.Context) {
	forSaleOnly := c.Query("for_sale") == "true"
	props, err := h.market.Properties(c.Request.Context(), forSaleOnly)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"properties": props, "count": len(props)})
}

// GetProperty handles GET /v1/properties/:id
func (h *Handler) GetProperty(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	prop, err := h.market.Property(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"property": prop})
}

// ListBids handles GET /v1/properties/:id/bids
func (h *Handler) ListBids(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	bids, err := h.market.BidsByProperty(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// GetBid handles GET /v1/bids/:bidId
func (h *Handler) GetBid(c *gin.Context) {
	id, ok := paramID(c, "bidId")
	if !ok {
		return
	}
	b, err := h.market.Bid(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": b})
}

// ListTokens handles GET /v1/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": h.market.AcceptedTokens()})
}

// MintProperty handles POST /v1/properties
func (h *Handler) MintProperty(c *gin.Context) {
	var req struct {
		Description   string `json:"description"`
		MetadataURI   string `json:"metadata_uri"`
		Price         string `json:"price"`
		LeaseDuration string `json:"lease_duration"`
		EscrowToken   string `json:"escrow_token"`
		IsForSale     *bool  `json:"is_for_sale"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	var leaseDur time.Duration
	if req.LeaseDuration != "" {
		d, err := time.ParseDuration(req.LeaseDuration)
		if err != nil || d < 0 {
			badRequest(c, "Invalid lease_duration")
			return
		}
		leaseDur = d
	}
	forSale := true
	if req.IsForSale != nil {
		forSale = *req.IsForSale
	}

	prop, err := h.market.MintProperty(c.Request.Context(), MintRequest{
		Owner:         c.GetString(auth.ContextKeyAccount),
		Description:   req.Description,
		MetadataURI:   req.MetadataURI,
		Price:         req.Price,
		LeaseDuration: leaseDur,
		EscrowToken:   token.Kind(req.EscrowToken),
		IsForSale:     forSale,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"property": prop})
}

// DelistProperty handles POST /v1/properties/:id/delist
func (h *Handler) DelistProperty(c *gin.Context) {
	h.ownerAction(c, h.market.DelistProperty)
}

// DeleteProperty handles DELETE /v1/properties/:id
func (h *Handler) DeleteProperty(c *gin.Context) {
	h.ownerAction(c, h.market.DeleteProperty)
}

func (h *Handler) ownerAction(c *gin.Context, fn func(ctx context.Context, caller string, propertyID int64) error) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	caller := c.GetString(auth.ContextKeyAccount)
	if err := fn(c.Request.Context(), caller, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AcceptBid handles POST /v1/properties/:id/bids/:bidId/accept
// Body {"protocol": "escrow"} selects escrow-with-documents; the
// default is direct settlement.
func (h *Handler) AcceptBid(c *gin.Context) {
	var req struct {
		Protocol string `json:"protocol"`
	}
	// Body optional.
	_ = c.ShouldBindJSON(&req)

	if req.Protocol == "escrow" {
		h.pairAction(c, h.market.AcceptBidWithEscrow)
		return
	}
	h.pairAction(c, h.market.AcceptBid)
}

// RejectBid handles POST /v1/properties/:id/bids/:bidId/reject
func (h *Handler) RejectBid(c *gin.Context) {
	h.pairAction(c, h.market.RejectBid)
}

// CancelBid handles POST /v1/properties/:id/bids/:bidId/cancel
func (h *Handler) CancelBid(c *gin.Context) {
	h.pairAction(c, h.market.CancelBid)
}

// ReleaseDocuments handles POST /v1/properties/:id/bids/:bidId/documents/release
func (h *Handler) ReleaseDocuments(c *gin.Context) {
	var req struct {
		DocumentRef string `json:"document_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DocumentRef == "" {
		badRequest(c, "document_ref is required")
		return
	}
	propertyID, bidID, ok := pairParams(c)
	if !ok {
		return
	}
	caller := c.GetString(auth.ContextKeyAccount)
	if err := h.market.ConfirmDocumentRelease(c.Request.Context(), caller, propertyID, bidID, req.DocumentRef); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "docs_released"})
}

// ConfirmDocuments handles POST /v1/properties/:id/bids/:bidId/documents/confirm
func (h *Handler) ConfirmDocuments(c *gin.Context) {
	h.pairAction(c, h.market.ConfirmDocumentReceipt)
}

// ReleaseEscrow handles POST /v1/properties/:id/bids/:bidId/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.pairAction(c, h.market.ReleaseEscrow)
}

// ClaimLostBid handles POST /v1/properties/:id/bids/:bidId/claim
func (h *Handler) ClaimLostBid(c *gin.Context) {
	h.pairAction(c, h.market.ClaimLostBid)
}

// RefundTimeout handles POST /v1/properties/:id/bids/:bidId/timeout-refund
func (h *Handler) RefundTimeout(c *gin.Context) {
	propertyID, bidID, ok := pairParams(c)
	if !ok {
		return
	}
	if err := h.market.RefundEscrowTimeout(c.Request.Context(), propertyID, bidID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refund_issued"})
}

// SweepSiblings handles POST /v1/properties/:id/sweep-siblings
func (h *Handler) SweepSiblings(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	budget := queryInt(c, "budget", 0)
	n, err := h.market.SweepSiblings(c.Request.Context(), id, budget)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": n})
}

// ExpireLease handles POST /v1/leases/:leaseId/expire
func (h *Handler) ExpireLease(c *gin.Context) {
	id, ok := paramID(c, "leaseId")
	if !ok {
		return
	}
	if err := h.market.ExpireLease(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SweepLeases handles POST /v1/leases/sweep
func (h *Handler) SweepLeases(c *gin.Context) {
	budget := queryInt(c, "budget", 0)
	afterID := int64(queryInt(c, "after_id", 0))
	n, cursor, err := h.market.SweepLeases(c.Request.Context(), budget, afterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n, "cursor": cursor})
}

// AddToken handles POST /v1/admin/tokens
func (h *Handler) AddToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
		badRequest(c, "token is required")
		return
	}
	if err := h.market.AddAcceptedToken(token.Kind(req.Token)); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"tokens": h.market.AcceptedTokens()})
}

// RemoveToken handles DELETE /v1/admin/tokens/:token
func (h *Handler) RemoveToken(c *gin.Context) {
	if err := h.market.RemoveAcceptedToken(c.Request.Context(), token.Kind(c.Param("token"))); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": h.market.AcceptedTokens()})
}

// RefundBids handles POST /v1/admin/properties/:id/refund-bids
func (h *Handler) RefundBids(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	budget := queryInt(c, "budget", 0)
	n, err := h.market.RefundBids(c.Request.Context(), id, budget)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunded": n})
}

// Withdraw handles POST /v1/admin/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		Token     string `json:"token"`
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	ref, err := h.market.WithdrawToken(c.Request.Context(), token.Kind(req.Token), req.Recipient, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"reference": ref})
}

// OpenLeaseDisputes handles GET /v1/admin/disputes/leases
func (h *Handler) OpenLeaseDisputes(c *gin.Context) {
	leases, err := h.market.LeasesWithOpenDisputes(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leases": leases, "count": len(leases)})
}

// Deposit handles POST /v1/transfers/deposit, the token service's
// deposit notification. The response tells the service how much of
// the deposit to send back.
func (h *Handler) Deposit(c *gin.Context) {
	body, sigOK := h.verifiedBody(c)
	if !sigOK {
		return
	}

	var req struct {
		Sender  string         `json:"sender"`
		Amount  string         `json:"amount"`
		Message DepositMessage `json:"message"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	refund, b, err := h.market.OnDeposit(c.Request.Context(), req.Sender, req.Amount, req.Message)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"refund": refund,
			"error":  errorCode(err),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": refund, "bid": b})
}

// TransferCallback handles POST /v1/transfers/callback.
func (h *Handler) TransferCallback(c *gin.Context) {
	body, sigOK := h.verifiedBody(c)
	if !sigOK {
		return
	}

	var res transfer.Result
	if err := json.Unmarshal(body, &res); err != nil || res.Reference == "" {
		badRequest(c, "Invalid callback body")
		return
	}

	if err := h.market.HandleTransferResult(c.Request.Context(), &res); err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			// Duplicate or unknown callback; already handled.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *Handler) verifiedBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "Unreadable body")
		return nil, false
	}
	sig := c.GetHeader("X-Shamba-Signature")
	if !transfer.VerifySignature(body, sig, h.webhookSecret) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return nil, false
	}
	return body, true
}

func (h *Handler) pairAction(c *gin.Context, fn func(ctx context.Context, caller string, propertyID, bidID int64) error) {
	propertyID, bidID, ok := pairParams(c)
	if !ok {
		return
	}
	caller := c.GetString(auth.ContextKeyAccount)
	if err := fn(c.Request.Context(), caller, propertyID, bidID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func pairParams(c *gin.Context) (int64, int64, bool) {
	propertyID, ok := paramID(c, "id")
	if !ok {
		return 0, 0, false
	}
	bidID, ok := paramID(c, "bidId")
	if !ok {
		return 0, 0, false
	}
	return propertyID, bidID, true
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid "+name)
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	if v := c.Query(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, property.ErrNotFound),
		errors.Is(err, property.ErrLeaseNotFound),
		errors.Is(err, bid.ErrNotFound),
		errors.Is(err, registry.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotBidder):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, lockset.ErrHeld), errors.Is(err, ErrRefundInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "operation_in_progress",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWrongStatus),
		errors.Is(err, ErrNotTimedOut),
		errors.Is(err, ErrNotClaimable),
		errors.Is(err, ErrClaimTooEarly),
		errors.Is(err, ErrLiveBids),
		errors.Is(err, ErrTokenInUse),
		errors.Is(err, ErrLeaseNotExpired),
		errors.Is(err, property.ErrActiveLease),
		errors.Is(err, property.ErrAlreadySold),
		errors.Is(err, bid.ErrInvalidTransition),
		errors.Is(err, registry.ErrLeased),
		errors.Is(err, registry.ErrNotOwner):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, token.ErrUnsupportedToken),
		errors.Is(err, ErrTokenMismatch),
		errors.Is(err, ErrPropertyNotListed),
		errors.Is(err, ErrInvalidDeposit),
		errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   errorCode(err),
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInvariantViolation):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invariant_violation",
			"message": "Accounting invariant violated; operation aborted",
		})
	default:
		internalError(c, err)
	}
}

// errorCode renders a stable machine-readable code for deposit
// rejections.
func errorCode(err error) string {
	switch {
	case errors.Is(err, token.ErrUnsupportedToken):
		return "unsupported_token"
	case errors.Is(err, ErrTokenMismatch):
		return "token_mismatch"
	case errors.Is(err, ErrPropertyNotListed):
		return "property_not_listed"
	case errors.Is(err, property.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidDeposit):
		return "invalid_deposit"
	default:
		return "rejected"
	}
}
