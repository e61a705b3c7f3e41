package market

import (
	"context"
	"fmt"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/transfer"
)

// HandleTransferResult is the single entry point for transfer-service
// callbacks. It consumes the pending record exactly once, so a
// duplicate or replayed callback returns transfer.ErrNotFound and
// changes nothing.
func (m *Market) HandleTransferResult(ctx context.Context, res *transfer.Result) error {
	p, err := m.pending.Consume(ctx, res.Reference)
	if err != nil {
		return err
	}

	success := res.Outcome == transfer.OutcomeSuccess
	metrics.TransfersTotal.WithLabelValues(string(p.Kind), string(res.Outcome)).Inc()
	m.logger.Info("transfer callback",
		"reference", p.Reference, "kind", p.Kind, "outcome", res.Outcome,
		"bidId", p.BidID, "leaseId", p.LeaseID, "detail", res.Detail)

	err = m.dispatch(ctx, p, res, success)
	if err != nil {
		// The record was consumed but the outcome was not applied,
		// whether the issuing saga still holds the lock or a store
		// call failed mid-dispatch. Put the record back so the
		// service's retry finds it instead of ErrNotFound.
		if cerr := m.pending.Create(ctx, p); cerr != nil {
			m.logger.Error("CRITICAL: failed to restore pending transfer after dispatch error",
				"reference", p.Reference, "error", cerr)
		}
	}
	return err
}

func (m *Market) dispatch(ctx context.Context, p *transfer.Pending, res *transfer.Result, success bool) error {
	switch p.Kind {
	case transfer.KindSettle:
		return m.onSettleResult(ctx, p, success)
	case transfer.KindEscrowRelease:
		if p.LeaseID != 0 {
			return m.onLeasePayoutResult(ctx, p, success)
		}
		return m.onSettleResult(ctx, p, success)
	case transfer.KindRejectRefund, transfer.KindSiblingRefund:
		return m.onRefundResult(ctx, p, success, bid.StatusRejected)
	case transfer.KindCancelRefund, transfer.KindTimeoutRefund, transfer.KindClaimRefund:
		return m.onRefundResult(ctx, p, success, bid.StatusCancelled)
	case transfer.KindDisputePayout:
		if m.disputes == nil {
			return fmt.Errorf("no dispute finalizer for %s", p.Reference)
		}
		return m.disputes.FinalizePayout(ctx, p, res)
	case transfer.KindWithdraw:
		return m.onWithdrawResult(ctx, p, success)
	}
	return fmt.Errorf("unknown transfer kind %q for %s", p.Kind, p.Reference)
}

// onSettleResult finalizes or compensates a seller payout, for both
// direct settlement and the post-documents escrow release.
func (m *Market) onSettleResult(ctx context.Context, p *transfer.Pending, success bool) error {
	release, err := m.lockPair(p.PropertyID, p.BidID)
	if err != nil {
		return err
	}
	defer release()

	prop, b, err := m.loadPair(ctx, p.PropertyID, p.BidID)
	if err != nil {
		return err
	}

	if !success {
		m.recredit(ctx, p, "compensation: "+string(p.Kind)+" failed")
		metrics.CompensationsTotal.WithLabelValues(string(p.Kind)).Inc()
		metrics.SagasCompensatedTotal.Inc()
		if p.Kind == transfer.KindSettle {
			// Escrow release leaves the bid at docs_confirmed; direct
			// settlement reverts the acceptance.
			m.revertToPending(ctx, b)
		}
		m.logger.Warn("settlement compensated",
			"bidId", b.ID, "propertyId", prop.ID, "kind", p.Kind)
		return nil
	}

	return m.finalizeSettlement(ctx, prop, b, p.Reference)
}

// finalizeSettlement runs the terminal effects of a winning bid:
// registry ownership transfer, sold record or lease, bid completed,
// best-effort sibling refunds.
func (m *Market) finalizeSettlement(ctx context.Context, prop *property.Property, b *bid.Bid, settlementRef string) error {
	now := m.now()
	metrics.SagaDuration.Observe(now.Sub(b.UpdatedAt).Seconds())

	switch b.Action {
	case bid.ActionPurchase:
		if err := m.registry.TransferOwnership(ctx, prop.Owner, b.Bidder, prop.ID); err != nil {
			return fmt.Errorf("registry transfer: %w", err)
		}
		prop.Sold = &property.SoldRecord{
			PropertyID:    prop.ID,
			Buyer:         b.Bidder,
			Amount:        b.Amount,
			PreviousOwner: prop.Owner,
			SoldAt:        now,
		}
		prop.Owner = b.Bidder
		prop.IsForSale = false
		if err := m.props.Update(ctx, prop); err != nil {
			return fmt.Errorf("update property: %w", err)
		}

	case bid.ActionLease:
		if err := m.registry.TransferOwnership(ctx, prop.Owner, b.Bidder, prop.ID); err != nil {
			return fmt.Errorf("registry transfer: %w", err)
		}
		if err := m.registry.SetLeased(ctx, prop.ID, true); err != nil {
			m.returnOwnership(ctx, b.Bidder, prop.Owner, prop.ID)
			return fmt.Errorf("registry lease lock: %w", err)
		}
		lease := &property.Lease{
			PropertyID:    prop.ID,
			Tenant:        b.Bidder,
			StartTime:     now,
			EndTime:       now.Add(prop.LeaseDuration),
			Active:        true,
			DisputeStatus: property.DisputeNone,
			EscrowHeld:    b.Amount,
			EscrowToken:   b.Token,
		}
		if err := m.props.CreateLease(ctx, lease); err != nil {
			if uerr := m.registry.SetLeased(ctx, prop.ID, false); uerr != nil {
				m.logger.Error("CRITICAL: registry lease unlock failed during compensation",
					"propertyId", prop.ID, "error", uerr)
			}
			m.returnOwnership(ctx, b.Bidder, prop.Owner, prop.ID)
			return fmt.Errorf("create lease: %w", err)
		}
		prop.ActiveLease = lease
		prop.IsForSale = false
		if err := m.props.Update(ctx, prop); err != nil {
			return fmt.Errorf("update property: %w", err)
		}
		metrics.LeasesActive.Inc()
	}

	b.SettlementRef = settlementRef
	if b.Status == bid.StatusDocsConfirmed {
		if err := b.Transition(bid.StatusPaymentReleased); err != nil {
			return err
		}
	}
	if err := b.Transition(bid.StatusCompleted); err != nil {
		return err
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}

	metrics.BidsTotal.WithLabelValues(string(bid.StatusCompleted)).Inc()
	metrics.SagasCompletedTotal.Inc()
	m.broadcast(realtime.EventBidSettled, map[string]interface{}{
		"bidId":      b.ID,
		"propertyId": prop.ID,
		"buyer":      b.Bidder,
		"amount":     amountFloat(b.Amount),
		"action":     string(b.Action),
	})
	m.logger.Info("bid settled",
		"bidId", b.ID, "propertyId", prop.ID, "action", b.Action, "buyer", b.Bidder)

	m.sweepSiblingsLocked(ctx, prop.ID, b.ID, m.cfg.SiblingRefundBudget)
	return nil
}

// returnOwnership undoes a registry transfer after a later settlement
// step failed. The bid compensates to pending, so ownership must not
// stay with the bidder.
func (m *Market) returnOwnership(ctx context.Context, from, to string, propertyID int64) {
	if err := m.registry.TransferOwnership(ctx, from, to, propertyID); err != nil {
		m.logger.Error("CRITICAL: registry ownership compensation failed",
			"propertyId", propertyID, "from", from, "to", to, "error", err)
	}
}

// onRefundResult finalizes or compensates a refund to the bidder. On
// success the bid moves to its terminal status and records the refund;
// on failure the ledger is restored and the bid stays where it was.
func (m *Market) onRefundResult(ctx context.Context, p *transfer.Pending, success bool, terminal bid.Status) error {
	release, err := m.lockPair(p.PropertyID, p.BidID)
	if err != nil {
		return err
	}
	defer release()

	b, err := m.bids.Get(ctx, p.BidID)
	if err != nil {
		return err
	}

	if !success {
		m.recredit(ctx, p, "compensation: "+string(p.Kind)+" failed")
		metrics.CompensationsTotal.WithLabelValues(string(p.Kind)).Inc()
		m.logger.Warn("refund compensated", "bidId", b.ID, "kind", p.Kind)
		return nil
	}

	b.RefundRef = p.Reference
	if err := b.Transition(terminal); err != nil {
		// The bid moved on while the refund was in flight. The money
		// is gone to the bidder; record that much.
		m.logger.Error("refund landed on unexpected status",
			"bidId", b.ID, "status", b.Status, "kind", p.Kind)
		return m.bids.Update(ctx, b)
	}
	if err := m.bids.Update(ctx, b); err != nil {
		return fmt.Errorf("update bid: %w", err)
	}

	metrics.BidsTotal.WithLabelValues(string(terminal)).Inc()
	m.broadcast(realtime.EventBidRefunded, map[string]interface{}{
		"bidId":      b.ID,
		"propertyId": b.PropertyID,
		"buyer":      b.Bidder,
		"amount":     amountFloat(b.Amount),
		"kind":       string(p.Kind),
	})
	return nil
}

// onLeasePayoutResult finalizes or compensates the escrow payout
// issued by a clean lease expiry.
func (m *Market) onLeasePayoutResult(ctx context.Context, p *transfer.Pending, success bool) error {
	lease, err := m.props.GetLease(ctx, p.LeaseID)
	if err != nil {
		return err
	}

	if !success {
		m.recredit(ctx, p, "compensation: lease payout failed")
		metrics.CompensationsTotal.WithLabelValues(string(p.Kind)).Inc()
		return nil
	}

	lease.EscrowHeld = "0"
	if err := m.props.UpdateLease(ctx, lease); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	metrics.EscrowAutoReleasedTotal.Inc()
	return nil
}

func (m *Market) onWithdrawResult(ctx context.Context, p *transfer.Pending, success bool) error {
	if !success {
		m.recredit(ctx, p, "compensation: withdrawal failed")
		metrics.CompensationsTotal.WithLabelValues(string(p.Kind)).Inc()
		return nil
	}
	m.logger.Info("withdrawal completed",
		"reference", p.Reference, "recipient", p.Recipient, "amount", p.Amount)
	return nil
}
