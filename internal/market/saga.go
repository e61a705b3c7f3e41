package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/transfer"
)

// AcceptBid runs the direct-settlement protocol: the bid is accepted,
// the payout is debited up front, and the transfer to the seller is
// issued. The settlement callback completes the bid (ownership
// transfer, sold/lease record, sibling refunds) or compensates it
// (re-credit, revert to pending).
//
// Lease-kind bids settle synchronously: the deposit stays in the
// ledger as the lease's escrow, so there is no outbound transfer to
// wait for.
func (m *Market) AcceptBid(ctx context.Context, caller string, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if prop.Owner != caller {
		return ErrNotOwner
	}
	if b.Status != bid.StatusPending {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	if err := b.Transition(bid.StatusAccepted); err != nil {
		return err
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(bid.StatusAccepted)).Inc()
	metrics.SagasStartedTotal.Inc()
	m.broadcast(realtimeBidAccepted(b, prop.Owner))

	if b.Action == bid.ActionLease {
		// Deposit becomes the lease escrow; settle in place.
		// finalizeSettlement also runs the sibling sweep.
		if err := m.finalizeSettlement(ctx, prop, b, "lease:"+bidRef(b.ID)); err != nil {
			// Roll the acceptance back so the bid is not stuck.
			m.revertToPending(ctx, b)
			return err
		}
		return nil
	}

	if err := m.issueTransfer(ctx, &transfer.Pending{
		Kind:       transfer.KindSettle,
		PropertyID: prop.ID,
		BidID:      b.ID,
		Token:      b.Token,
		Recipient:  prop.Owner,
		Amount:     b.Amount,
	}, "seller payout"); err != nil {
		m.revertToPending(ctx, b)
		return err
	}
	return nil
}

// AcceptBidWithEscrow runs the escrow-with-documents protocol: the bid
// is only marked accepted and competing bids get best-effort refunds.
// The payout waits for the document steps and ReleaseEscrow.
func (m *Market) AcceptBidWithEscrow(ctx context.Context, caller string, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if prop.Owner != caller {
		return ErrNotOwner
	}
	if b.Status != bid.StatusPending {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	if err := b.Transition(bid.StatusAccepted); err != nil {
		return err
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(bid.StatusAccepted)).Inc()
	m.broadcast(realtimeBidAccepted(b, prop.Owner))

	m.sweepSiblingsLocked(ctx, prop.ID, b.ID, m.cfg.SiblingRefundBudget)
	return nil
}

// RejectBid refunds a pending bid; owner only. The bid stays pending
// until the refund callback marks it rejected.
func (m *Market) RejectBid(ctx context.Context, caller string, propertyID, bidID int64) error {
	return m.refundPending(ctx, caller, propertyID, bidID, transfer.KindRejectRefund)
}

// CancelBid refunds a pending bid; bidder only.
func (m *Market) CancelBid(ctx context.Context, caller string, propertyID, bidID int64) error {
	return m.refundPending(ctx, caller, propertyID, bidID, transfer.KindCancelRefund)
}

func (m *Market) refundPending(ctx context.Context, caller string, propertyID, bidID int64, kind transfer.Kind) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	switch kind {
	case transfer.KindRejectRefund:
		if prop.Owner != caller {
			return ErrNotOwner
		}
	case transfer.KindCancelRefund:
		if b.Bidder != caller {
			return ErrNotBidder
		}
	}
	if b.Status != bid.StatusPending {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	return m.issueRefund(ctx, b, kind)
}

// ConfirmDocumentRelease records the owner handing over the property
// documents; accepted → docs_released. Local transition only.
func (m *Market) ConfirmDocumentRelease(ctx context.Context, caller string, propertyID, bidID int64, documentRef string) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if prop.Owner != caller {
		return ErrNotOwner
	}
	if b.Status != bid.StatusAccepted {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}

	b.DocumentRef = documentRef
	if err := b.Transition(bid.StatusDocsReleased); err != nil {
		return err
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(bid.StatusDocsReleased)).Inc()
	return nil
}

// ConfirmDocumentReceipt records the bidder's acknowledgement;
// docs_released → docs_confirmed. Local transition only.
func (m *Market) ConfirmDocumentReceipt(ctx context.Context, caller string, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	_, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if b.Bidder != caller {
		return ErrNotBidder
	}
	if b.Status != bid.StatusDocsReleased {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}

	if err := b.Transition(bid.StatusDocsConfirmed); err != nil {
		return err
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}
	metrics.BidsTotal.WithLabelValues(string(bid.StatusDocsConfirmed)).Inc()
	return nil
}

// ReleaseEscrow pays the seller after the bidder confirmed the
// documents. The bid stays docs_confirmed while the transfer is in
// flight; the callback completes or compensates.
func (m *Market) ReleaseEscrow(ctx context.Context, caller string, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if b.Bidder != caller {
		return ErrNotBidder
	}
	if b.Status != bid.StatusDocsConfirmed {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	if b.Action == bid.ActionLease {
		// Deposit becomes the lease escrow; no outbound payout.
		if err := b.Transition(bid.StatusPaymentReleased); err != nil {
			return err
		}
		if err := m.bids.Update(ctx, b); err != nil {
			return fmt.Errorf("update bid: %w", err)
		}
		return m.finalizeSettlement(ctx, prop, b, "lease:"+bidRef(b.ID))
	}

	metrics.SagasStartedTotal.Inc()
	return m.issueTransfer(ctx, &transfer.Pending{
		Kind:       transfer.KindEscrowRelease,
		PropertyID: prop.ID,
		BidID:      b.ID,
		Token:      b.Token,
		Recipient:  prop.Owner,
		Amount:     b.Amount,
	}, "escrow release to seller")
}

// RefundEscrowTimeout is the permissionless recovery path for a bid
// stuck in accepted or docs_released. Once the bid has been idle past
// the configured delay, anyone may trigger the refund.
func (m *Market) RefundEscrowTimeout(ctx context.Context, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	_, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if b.Status != bid.StatusAccepted && b.Status != bid.StatusDocsReleased {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if m.now().Sub(b.UpdatedAt) < m.cfg.EscrowReleaseDelay {
		return ErrNotTimedOut
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	return m.issueRefund(ctx, b, transfer.KindTimeoutRefund)
}

// ClaimLostBid lets a losing bidder pull their deposit back after the
// property went to someone else. Covers bids still pending and bids
// rejected by a sibling sweep whose refund transfer failed.
func (m *Market) ClaimLostBid(ctx context.Context, caller string, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if b.Bidder != caller {
		return ErrNotBidder
	}
	if b.Status != bid.StatusPending && !(b.Status == bid.StatusRejected && !b.Refunded()) {
		return fmt.Errorf("%w: status %s", ErrNotClaimable, b.Status)
	}

	settledAt, settledTo, ok := m.settlementOf(prop)
	if !ok {
		return fmt.Errorf("%w: property not settled", ErrNotClaimable)
	}
	if settledTo == b.Bidder {
		return fmt.Errorf("%w: bidder won the property", ErrNotClaimable)
	}
	if m.cfg.LostBidClaimDelay > 0 && m.now().Sub(settledAt) < m.cfg.LostBidClaimDelay {
		return ErrClaimTooEarly
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	return m.issueRefund(ctx, b, transfer.KindClaimRefund)
}

// SweepSiblings refunds pending bids left behind by a budget-truncated
// acceptance pass. Repeated calls make monotonic progress.
func (m *Market) SweepSiblings(ctx context.Context, propertyID int64, budget int) (int, error) {
	release, err := m.lockProperty(propertyID)
	if err != nil {
		return 0, err
	}
	defer release()

	prop, err := m.props.Get(ctx, propertyID)
	if err != nil {
		return 0, err
	}
	// A winner still mid-saga keeps its deposit. Once the property is
	// sold or leased every remaining live bid is a loser.
	var winner int64
	if prop.Sold == nil && prop.ActiveLease == nil {
		live, err := m.bids.LiveByProperty(ctx, propertyID, 0, 0)
		if err != nil {
			return 0, err
		}
		for _, sib := range live {
			if sib.Status != bid.StatusPending {
				winner = sib.ID
				break
			}
		}
	}
	if budget <= 0 {
		budget = m.cfg.SiblingRefundBudget
	}
	return m.sweepSiblingsLocked(ctx, propertyID, winner, budget), nil
}

// sweepSiblingsLocked issues refunds for pending siblings of winnerID,
// up to budget. Best effort: failures are logged and skipped so the
// winning saga never fails on cleanup.
func (m *Market) sweepSiblingsLocked(ctx context.Context, propertyID, winnerID int64, budget int) int {
	processed := 0
	var afterID int64
	for processed < budget {
		batch, err := m.bids.LiveByProperty(ctx, propertyID, afterID, budget-processed+1)
		if err != nil {
			m.logger.Warn("sibling sweep: list failed", "propertyId", propertyID, "error", err)
			return processed
		}
		if len(batch) == 0 {
			return processed
		}
		for _, sib := range batch {
			afterID = sib.ID
			if sib.ID == winnerID || sib.Status != bid.StatusPending {
				continue
			}
			if processed >= budget {
				m.logger.Info("sibling sweep budget exhausted",
					"propertyId", propertyID, "nextBidId", sib.ID)
				return processed
			}
			if !m.refundSibling(ctx, propertyID, sib.ID, transfer.KindSiblingRefund) {
				continue
			}
			processed++
			metrics.SweepItemsTotal.WithLabelValues("siblings").Inc()
		}
	}
	return processed
}

// refundSibling issues one sweep refund under the sibling's own pair
// lock, so a concurrent cancel or reject on that bid cannot race it
// into a double refund. A held lock or a changed status skips the
// sibling; the owning saga or a later sweep covers it.
func (m *Market) refundSibling(ctx context.Context, propertyID, bidID int64, kind transfer.Kind) bool {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return false
	}
	defer release()

	b, err := m.bids.Get(ctx, bidID)
	if err != nil || b.Status != bid.StatusPending {
		return false
	}
	if inflight, err := m.pending.HasForBid(ctx, b.ID); err != nil || inflight {
		return false
	}
	if err := m.issueRefund(ctx, b, kind); err != nil {
		m.logger.Warn("sweep refund failed",
			"propertyId", propertyID, "bidId", b.ID, "kind", kind, "error", err)
		return false
	}
	return true
}

// issueRefund debits the deposit and requests the transfer back to the
// bidder. The status transition happens in the callback.
func (m *Market) issueRefund(ctx context.Context, b *bid.Bid, kind transfer.Kind) error {
	return m.issueTransfer(ctx, &transfer.Pending{
		Kind:       kind,
		PropertyID: b.PropertyID,
		BidID:      b.ID,
		Token:      b.Token,
		Recipient:  b.Bidder,
		Amount:     b.Amount,
	}, "refund "+string(kind))
}

// issueTransfer runs the debit-record-request sequence shared by every
// outbound payment. On a request error the debit and the pending
// record are rolled back so the caller sees a clean failure.
func (m *Market) issueTransfer(ctx context.Context, p *transfer.Pending, description string) error {
	p.Reference = newTransferRef()
	p.CreatedAt = m.now()

	if err := m.ledger.Debit(ctx, p.Token, p.Amount, p.Reference, description); err != nil {
		if errors.Is(err, ledger.ErrInvariantViolation) {
			m.logger.Error("CRITICAL: ledger invariant violation",
				"reference", p.Reference, "kind", p.Kind,
				"bidId", p.BidID, "amount", p.Amount, "token", p.Token)
		}
		return err
	}
	if err := m.pending.Create(ctx, p); err != nil {
		m.recredit(ctx, p, "rollback: pending record failed")
		return fmt.Errorf("record pending transfer: %w", err)
	}
	if err := m.requester.Request(ctx, p); err != nil {
		if _, cerr := m.pending.Consume(ctx, p.Reference); cerr != nil {
			m.logger.Error("rollback: consume pending failed", "reference", p.Reference, "error", cerr)
		}
		m.recredit(ctx, p, "rollback: transfer request failed")
		return fmt.Errorf("request transfer: %w", err)
	}

	m.logger.Info("transfer issued",
		"reference", p.Reference, "kind", p.Kind,
		"recipient", p.Recipient, "amount", p.Amount, "token", p.Token)
	return nil
}

func (m *Market) recredit(ctx context.Context, p *transfer.Pending, description string) {
	if err := m.ledger.Credit(ctx, p.Token, p.Amount, p.Reference, description); err != nil {
		m.logger.Error("CRITICAL: compensation credit failed",
			"reference", p.Reference, "amount", p.Amount, "token", p.Token, "error", err)
	}
}

// refuseInFlight blocks a second outbound transfer for the same bid.
func (m *Market) refuseInFlight(ctx context.Context, bidID int64) error {
	inflight, err := m.pending.HasForBid(ctx, bidID)
	if err != nil {
		return fmt.Errorf("check pending transfers: %w", err)
	}
	if inflight {
		return ErrRefundInFlight
	}
	return nil
}

// revertToPending undoes a just-recorded acceptance.
func (m *Market) revertToPending(ctx context.Context, b *bid.Bid) {
	if err := b.Transition(bid.StatusPending); err != nil {
		m.logger.Error("revert to pending refused", "bidId", b.ID, "status", b.Status, "error", err)
		return
	}
	if err := m.bids.Update(ctx, b); err != nil {
		m.logger.Error("revert to pending failed", "bidId", b.ID, "error", err)
	}
}

// settlementOf reports when and to whom the property was settled.
func (m *Market) settlementOf(prop *property.Property) (time.Time, string, bool) {
	if prop.Sold != nil {
		return prop.Sold.SoldAt, prop.Sold.Buyer, true
	}
	if prop.ActiveLease != nil {
		return prop.ActiveLease.StartTime, prop.ActiveLease.Tenant, true
	}
	return time.Time{}, "", false
}

func realtimeBidAccepted(b *bid.Bid, seller string) (realtime.EventType, map[string]interface{}) {
	return realtime.EventBidAccepted, map[string]interface{}{
		"bidId":      b.ID,
		"propertyId": b.PropertyID,
		"buyer":      b.Bidder,
		"seller":     seller,
		"amount":     amountFloat(b.Amount),
		"token":      string(b.Token),
	}
}
