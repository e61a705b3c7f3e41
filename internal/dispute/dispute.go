// Package dispute handles lease and bid disputes: tenants and bidders
// raise them, operators (or an external arbitration result) resolve
// them. A resolution payout is a saga step like any other: the amount
// is debited up front, the transfer is issued, and the callback either
// marks the dispute resolved or reverts it to raised.
package dispute

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
	"github.com/mabena/shamba/internal/market"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
)

// Errors
var (
	ErrNotTenant     = errors.New("dispute: caller is not the lease tenant")
	ErrNotBidder     = errors.New("dispute: caller is not the bidder")
	ErrNotParty      = errors.New("dispute: winner is neither tenant nor landlord")
	ErrWrongStatus   = errors.New("dispute: wrong status for this operation")
	ErrLeaseInactive = errors.New("dispute: lease is not active")
	ErrInvalidPayout = errors.New("dispute: invalid payout amount")
)

// Service runs the dispute lifecycle. Every step that mutates a lease
// or a bid runs under the market's lock set, keyed the same way the
// market keys its saga steps, so a dispute operation and a market
// operation on the same property exclude each other.
type Service struct {
	ledger    *ledger.Ledger
	bids      bid.Store
	props     property.Store
	pending   transfer.Store
	requester transfer.Requester
	locks     *lockset.LockSet
	logger    *slog.Logger

	hub *realtime.Hub
	now func() time.Time
}

// New creates the dispute service. locks must be the market's lock set.
func New(led *ledger.Ledger, bids bid.Store, props property.Store,
	pending transfer.Store, requester transfer.Requester,
	locks *lockset.LockSet, logger *slog.Logger) *Service {
	return &Service{
		ledger:    led,
		bids:      bids,
		props:     props,
		pending:   pending,
		requester: requester,
		locks:     locks,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) lockProperty(propertyID int64) (func(), error) {
	return s.locks.Acquire(market.PropertyLockKey(propertyID))
}

func (s *Service) lockPair(propertyID, bidID int64) (func(), error) {
	return s.locks.Acquire(market.PairLockKey(propertyID, bidID))
}

// SetHub attaches the realtime hub for event broadcasts.
func (s *Service) SetHub(hub *realtime.Hub) { s.hub = hub }

// RaiseLeaseDispute opens a dispute on an active lease; tenant only.
func (s *Service) RaiseLeaseDispute(ctx context.Context, caller string, leaseID int64, reason string) (*property.Lease, error) {
	lease, err := s.props.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}

	release, err := s.lockProperty(lease.PropertyID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Fresh read under the lock; the first one only located the property.
	lease, err = s.props.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !lease.Active {
		return nil, ErrLeaseInactive
	}
	if lease.Tenant != caller {
		return nil, ErrNotTenant
	}
	if lease.DisputeStatus != property.DisputeNone {
		return nil, fmt.Errorf("%w: %s", ErrWrongStatus, lease.DisputeStatus)
	}

	lease.DisputeStatus = property.DisputeRaised
	lease.Dispute = &property.DisputeDetail{
		RaisedBy: caller,
		Reason:   reason,
		RaisedAt: s.now(),
	}
	if err := s.props.UpdateLease(ctx, lease); err != nil {
		return nil, fmt.Errorf("update lease: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	s.broadcast(map[string]interface{}{
		"leaseId":    lease.ID,
		"propertyId": lease.PropertyID,
		"raisedBy":   caller,
	})
	s.logger.Info("lease dispute raised",
		"leaseId", lease.ID, "tenant", caller, "reason", reason)
	return lease, nil
}

// RaiseBidDispute moves an in-flight bid to disputed; bidder only.
// Allowed from accepted, docs_released, and docs_confirmed.
func (s *Service) RaiseBidDispute(ctx context.Context, caller string, propertyID, bidID int64, reason string) (*bid.Bid, error) {
	release, err := s.lockPair(propertyID, bidID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.bids.Get(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.PropertyID != propertyID {
		return nil, bid.ErrNotFound
	}
	if b.Bidder != caller {
		return nil, ErrNotBidder
	}
	switch b.Status {
	case bid.StatusAccepted, bid.StatusDocsReleased, bid.StatusDocsConfirmed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}

	b.DisputeReason = reason
	if err := b.Transition(bid.StatusDisputed); err != nil {
		return nil, err
	}
	if err := s.bids.Update(ctx, b); err != nil {
		return nil, fmt.Errorf("update bid: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("raised").Inc()
	metrics.BidsTotal.WithLabelValues(string(bid.StatusDisputed)).Inc()
	s.broadcast(map[string]interface{}{
		"bidId":      b.ID,
		"propertyId": b.PropertyID,
		"raisedBy":   caller,
	})
	s.logger.Info("bid dispute raised", "bidId", b.ID, "bidder", caller, "reason", reason)
	return b, nil
}

// ResolveDispute settles a raised lease dispute. The payout is capped
// at the escrow held and must go to the tenant or the landlord. The
// dispute sits at pending_response until the payout callback lands.
//
// A zero payout resolves synchronously.
func (s *Service) ResolveDispute(ctx context.Context, resolver string, leaseID int64, winner, requested string) error {
	lease, err := s.props.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}

	release, err := s.lockProperty(lease.PropertyID)
	if err != nil {
		return err
	}
	defer release()

	// Fresh read under the lock: a concurrent resolution must not see
	// the dispute still raised.
	lease, err = s.props.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if lease.DisputeStatus != property.DisputeRaised {
		return fmt.Errorf("%w: %s", ErrWrongStatus, lease.DisputeStatus)
	}

	prop, err := s.props.Get(ctx, lease.PropertyID)
	if err != nil {
		return err
	}
	if winner != lease.Tenant && winner != prop.Owner {
		return ErrNotParty
	}

	reqAmt, ok := token.Parse(requested)
	if !ok || reqAmt.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidPayout, requested)
	}
	heldAmt, ok := token.Parse(lease.EscrowHeld)
	if !ok {
		return fmt.Errorf("%w: bad escrow record %q", ErrInvalidPayout, lease.EscrowHeld)
	}
	payout := new(big.Int).Set(reqAmt)
	if payout.Cmp(heldAmt) > 0 {
		payout.Set(heldAmt)
	}

	now := s.now()
	lease.Dispute.ResolvedBy = resolver
	lease.Dispute.ArbitrationResult = fmt.Sprintf("winner=%s payout=%s", winner, token.Format(payout))

	if payout.Sign() == 0 {
		lease.DisputeStatus = property.DisputeResolved
		lease.Dispute.ResolvedAt = &now
		if err := s.props.UpdateLease(ctx, lease); err != nil {
			return fmt.Errorf("update lease: %w", err)
		}
		metrics.DisputesTotal.WithLabelValues("resolved").Inc()
		s.logger.Info("dispute resolved without payout",
			"leaseId", lease.ID, "winner", winner, "resolvedBy", resolver)
		return nil
	}

	lease.DisputeStatus = property.DisputePendingResponse
	if err := s.props.UpdateLease(ctx, lease); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}

	p := &transfer.Pending{
		Reference:  idgen.WithPrefix("tr_"),
		Kind:       transfer.KindDisputePayout,
		PropertyID: lease.PropertyID,
		LeaseID:    lease.ID,
		Token:      lease.EscrowToken,
		Recipient:  winner,
		Amount:     token.Format(payout),
		CreatedAt:  now,
	}
	if err := s.ledger.Debit(ctx, p.Token, p.Amount, p.Reference, "dispute payout"); err != nil {
		s.revertToRaised(ctx, lease)
		return err
	}
	if err := s.pending.Create(ctx, p); err != nil {
		s.recredit(ctx, p)
		s.revertToRaised(ctx, lease)
		return fmt.Errorf("record pending transfer: %w", err)
	}
	if err := s.requester.Request(ctx, p); err != nil {
		if _, cerr := s.pending.Consume(ctx, p.Reference); cerr != nil {
			s.logger.Error("rollback: consume pending failed", "reference", p.Reference, "error", cerr)
		}
		s.recredit(ctx, p)
		s.revertToRaised(ctx, lease)
		return fmt.Errorf("request payout: %w", err)
	}

	s.logger.Info("dispute payout issued",
		"leaseId", lease.ID, "winner", winner, "amount", p.Amount,
		"reference", p.Reference, "resolvedBy", resolver)
	return nil
}

// FinalizePayout consumes the dispute payout callback. Success marks
// the dispute resolved and reduces the held escrow; failure re-credits
// and reopens the dispute.
//
// A held property lock propagates lockset.ErrHeld so the callback
// dispatcher restores the pending record for a retry.
func (s *Service) FinalizePayout(ctx context.Context, p *transfer.Pending, res *transfer.Result) error {
	release, err := s.lockProperty(p.PropertyID)
	if err != nil {
		return err
	}
	defer release()

	lease, err := s.props.GetLease(ctx, p.LeaseID)
	if err != nil {
		return err
	}
	if lease.DisputeStatus != property.DisputePendingResponse {
		s.logger.Error("dispute payout callback on unexpected status",
			"leaseId", lease.ID, "status", lease.DisputeStatus)
	}

	if res.Outcome != transfer.OutcomeSuccess {
		s.recredit(ctx, p)
		metrics.CompensationsTotal.WithLabelValues(string(p.Kind)).Inc()
		s.revertToRaised(ctx, lease)
		s.logger.Warn("dispute payout compensated", "leaseId", lease.ID, "detail", res.Detail)
		return nil
	}

	now := s.now()
	lease.DisputeStatus = property.DisputeResolved
	if lease.Dispute != nil {
		lease.Dispute.ResolvedAt = &now
	}
	lease.EscrowHeld = subtractEscrow(lease.EscrowHeld, p.Amount)
	if err := s.props.UpdateLease(ctx, lease); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.logger.Info("dispute resolved",
		"leaseId", lease.ID, "payout", p.Amount, "recipient", p.Recipient)
	return nil
}

func (s *Service) revertToRaised(ctx context.Context, lease *property.Lease) {
	lease.DisputeStatus = property.DisputeRaised
	if lease.Dispute != nil {
		lease.Dispute.ResolvedBy = ""
		lease.Dispute.ArbitrationResult = ""
		lease.Dispute.ResolvedAt = nil
	}
	if err := s.props.UpdateLease(ctx, lease); err != nil {
		s.logger.Error("reopen dispute failed", "leaseId", lease.ID, "error", err)
	}
}

func (s *Service) recredit(ctx context.Context, p *transfer.Pending) {
	if err := s.ledger.Credit(ctx, p.Token, p.Amount, p.Reference, "compensation: dispute payout failed"); err != nil {
		s.logger.Error("CRITICAL: compensation credit failed",
			"reference", p.Reference, "amount", p.Amount, "error", err)
	}
}

func (s *Service) broadcast(data map[string]interface{}) {
	if s.hub != nil {
		s.hub.BroadcastBidEvent(realtime.EventDisputeRaised, data)
	}
}

func subtractEscrow(held, paid string) string {
	heldAmt, ok1 := token.Parse(held)
	paidAmt, ok2 := token.Parse(paid)
	if !ok1 || !ok2 {
		return held
	}
	rest := new(big.Int).Sub(heldAmt, paidAmt)
	if rest.Sign() < 0 {
		rest.SetInt64(0)
	}
	return token.Format(rest)
}
