// Package market orchestrates the bid and lease sagas.
//
// Every saga step follows the same shape: a local precondition check
// and state transition, an optimistic ledger debit, a pending-transfer
// record, then a fire-and-forget request to the external token service.
// The outcome arrives later as a callback that either finalizes the
// step or compensates it (re-credit the ledger, revert the bid).
//
// Steps that touch a bid run under the reentrancy lock set; a second
// saga on the same (property, bid) pair fails immediately instead of
// blocking.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/idgen"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/lockset"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/registry"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
	"github.com/mabena/shamba/internal/validation"
)

// Errors
var (
	ErrPropertyNotListed = errors.New("market: property not listed for this action")
	ErrTokenMismatch     = errors.New("market: token does not match the property's escrow token")
	ErrInvalidDeposit    = errors.New("market: invalid deposit")
	ErrNotOwner          = errors.New("market: caller is not the property owner")
	ErrNotBidder         = errors.New("market: caller is not the bidder")
	ErrWrongStatus       = errors.New("market: bid status does not allow this operation")
	ErrRefundInFlight    = errors.New("market: a transfer for this bid is already in flight")
	ErrNotTimedOut       = errors.New("market: bid has not reached the refund timeout")
	ErrNotClaimable      = errors.New("market: bid is not claimable")
	ErrClaimTooEarly     = errors.New("market: claim delay has not elapsed")
	ErrLiveBids          = errors.New("market: property still has live bids")
	ErrTokenInUse        = errors.New("market: token kind still holds a balance")
)

// Config carries the saga timing and budget knobs.
type Config struct {
	// BidExpiry bounds how long a pending bid holds its deposit.
	// Zero disables expiry.
	BidExpiry time.Duration
	// LostBidClaimDelay is the wait after a winning settlement before
	// losing bidders may claim their deposits back.
	LostBidClaimDelay time.Duration
	// EscrowReleaseDelay is the staleness threshold for the
	// permissionless timeout refund.
	EscrowReleaseDelay time.Duration
	// SiblingRefundBudget caps how many sibling bids one acceptance
	// pass may refund before leaving the rest for a follow-up sweep.
	SiblingRefundBudget int
}

// DisputeFinalizer receives dispute payout callbacks. The dispute
// service implements it; the market only routes.
type DisputeFinalizer interface {
	FinalizePayout(ctx context.Context, p *transfer.Pending, res *transfer.Result) error
}

// Market is the saga orchestrator.
type Market struct {
	cfg       Config
	ledger    *ledger.Ledger
	bids      bid.Store
	props     property.Store
	pending   transfer.Store
	requester transfer.Requester
	registry  registry.Registry
	tokens    *token.Registry
	locks     *lockset.LockSet
	logger    *slog.Logger

	hub      *realtime.Hub
	disputes DisputeFinalizer

	now func() time.Time
}

// New creates the orchestrator. Optional collaborators (realtime hub,
// dispute finalizer) attach via the Set methods.
func New(cfg Config, led *ledger.Ledger, bids bid.Store, props property.Store,
	pending transfer.Store, requester transfer.Requester, reg registry.Registry,
	tokens *token.Registry, logger *slog.Logger) *Market {
	if cfg.SiblingRefundBudget <= 0 {
		cfg.SiblingRefundBudget = 10
	}
	return &Market{
		cfg:       cfg,
		ledger:    led,
		bids:      bids,
		props:     props,
		pending:   pending,
		requester: requester,
		registry:  reg,
		tokens:    tokens,
		locks:     lockset.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// SetHub attaches the realtime hub for event broadcasts.
func (m *Market) SetHub(hub *realtime.Hub) { m.hub = hub }

// Locks exposes the reentrancy lock set so collaborating services can
// serialize against the same (property, bid) keys.
func (m *Market) Locks() *lockset.LockSet { return m.locks }

// SetDisputeFinalizer attaches the handler for dispute payout callbacks.
func (m *Market) SetDisputeFinalizer(f DisputeFinalizer) { m.disputes = f }

// DepositMessage is the memo attached to an inbound deposit.
type DepositMessage struct {
	PropertyID int64      `json:"property_id"`
	Action     bid.Action `json:"action"`
	Token      token.Kind `json:"token"`
}

// OnDeposit handles the token service's deposit notification. It
// returns the amount to refund immediately: "0" when the deposit is
// accepted as a bid, the full amount when it is rejected.
func (m *Market) OnDeposit(ctx context.Context, sender, amount string, msg DepositMessage) (string, *bid.Bid, error) {
	if !validation.IsValidAccountID(sender) {
		return amount, nil, fmt.Errorf("%w: bad sender %q", ErrInvalidDeposit, sender)
	}
	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return amount, nil, fmt.Errorf("%w: bad amount %q", ErrInvalidDeposit, amount)
	}
	if !m.tokens.Accepted(msg.Token) {
		return amount, nil, token.ErrUnsupportedToken
	}

	prop, err := m.props.Get(ctx, msg.PropertyID)
	if err != nil {
		return amount, nil, err
	}
	if msg.Token != prop.EscrowToken {
		return amount, nil, ErrTokenMismatch
	}
	switch msg.Action {
	case bid.ActionPurchase:
		if !prop.IsForSale || prop.Sold != nil {
			return amount, nil, ErrPropertyNotListed
		}
	case bid.ActionLease:
		if !prop.Leasable() || prop.ActiveLease != nil {
			return amount, nil, ErrPropertyNotListed
		}
	default:
		return amount, nil, fmt.Errorf("%w: unknown action %q", ErrInvalidDeposit, msg.Action)
	}

	b := &bid.Bid{
		PropertyID: prop.ID,
		Bidder:     validation.SanitizeAccountID(sender),
		Amount:     amount,
		Action:     msg.Action,
		Token:      msg.Token,
		Status:     bid.StatusPending,
	}
	if m.cfg.BidExpiry > 0 {
		exp := m.now().Add(m.cfg.BidExpiry)
		b.ExpiresAt = &exp
	}
	if err := m.bids.Create(ctx, b); err != nil {
		return amount, nil, fmt.Errorf("create bid: %w", err)
	}
	if err := m.ledger.Credit(ctx, msg.Token, amount, bidRef(b.ID), "bid deposit"); err != nil {
		// The whole deposit goes back, so the bid must not look funded.
		if terr := b.Transition(bid.StatusCancelled); terr == nil {
			if uerr := m.bids.Update(ctx, b); uerr != nil {
				m.logger.Error("cancel unfunded bid failed", "bidId", b.ID, "error", uerr)
			}
		}
		return amount, nil, fmt.Errorf("credit deposit: %w", err)
	}

	metrics.BidsTotal.WithLabelValues(string(bid.StatusPending)).Inc()
	m.broadcast(realtime.EventBidPlaced, map[string]interface{}{
		"bidId":      b.ID,
		"propertyId": b.PropertyID,
		"buyer":      b.Bidder,
		"seller":     prop.Owner,
		"amount":     amountFloat(amount),
		"token":      string(b.Token),
		"action":     string(b.Action),
	})
	m.logger.Info("bid placed",
		"bidId", b.ID, "propertyId", b.PropertyID,
		"bidder", b.Bidder, "amount", amount, "token", msg.Token)

	return "0", b, nil
}

// Property returns one listing.
func (m *Market) Property(ctx context.Context, id int64) (*property.Property, error) {
	return m.props.Get(ctx, id)
}

// Properties lists listings, optionally only those still for sale.
func (m *Market) Properties(ctx context.Context, forSaleOnly bool) ([]*property.Property, error) {
	return m.props.List(ctx, forSaleOnly)
}

// Bid returns one bid.
func (m *Market) Bid(ctx context.Context, id int64) (*bid.Bid, error) {
	return m.bids.Get(ctx, id)
}

// BidsByProperty lists every bid on a property, oldest first.
func (m *Market) BidsByProperty(ctx context.Context, propertyID int64) ([]*bid.Bid, error) {
	return m.bids.ListByProperty(ctx, propertyID)
}

// PairLockKey names the lock guarding one (property, bid) saga step.
func PairLockKey(propertyID, bidID int64) string {
	return lockset.Key("property", fmt.Sprint(propertyID), "bid", fmt.Sprint(bidID))
}

// PropertyLockKey names the lock guarding property-wide steps
// (sibling sweeps, delist, lease expiry, dispute resolution).
func PropertyLockKey(propertyID int64) string {
	return lockset.Key("property", fmt.Sprint(propertyID))
}

func (m *Market) lockPair(propertyID, bidID int64) (func(), error) {
	return m.locks.Acquire(PairLockKey(propertyID, bidID))
}

func (m *Market) lockProperty(propertyID int64) (func(), error) {
	return m.locks.Acquire(PropertyLockKey(propertyID))
}

// loadPair fetches the property and the bid and checks they belong
// together.
func (m *Market) loadPair(ctx context.Context, propertyID, bidID int64) (*property.Property, *bid.Bid, error) {
	prop, err := m.props.Get(ctx, propertyID)
	if err != nil {
		return nil, nil, err
	}
	b, err := m.bids.Get(ctx, bidID)
	if err != nil {
		return nil, nil, err
	}
	if b.PropertyID != propertyID {
		return nil, nil, bid.ErrNotFound
	}
	return prop, b, nil
}

func (m *Market) broadcast(typ realtime.EventType, data map[string]interface{}) {
	if m.hub != nil {
		m.hub.BroadcastBidEvent(typ, data)
	}
}

func bidRef(bidID int64) string {
	return fmt.Sprintf("bid:%d", bidID)
}

func newTransferRef() string {
	return idgen.WithPrefix("tr_")
}

// amountFloat renders an amount for event payloads. Precision loss is
// acceptable there; the authoritative value stays a decimal string.
func amountFloat(amount string) float64 {
	amt, ok := token.Parse(amount)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).SetInt(amt).Float64()
	return f / 1e6
}
