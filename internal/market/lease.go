package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/transfer"
)

// ErrLeaseNotExpired rejects expiry before the lease term ends.
var ErrLeaseNotExpired = errors.New("market: lease term has not ended")

// ExpireLease deactivates an ended lease: ownership returns to the
// landlord, the registry lease lock clears, and the held escrow is
// paid out to the landlord asynchronously. Calling it on an already
// inactive lease is a no-op, so retries and overlapping sweeps are
// safe.
//
// A lease with an open dispute is left alone; resolution decides where
// the escrow goes.
func (m *Market) ExpireLease(ctx context.Context, leaseID int64) error {
	lease, err := m.props.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}

	release, err := m.lockProperty(lease.PropertyID)
	if err != nil {
		return err
	}
	defer release()

	// All checks run on a fresh read under the lock; the first read
	// only located the property. A dispute raised or an expiry that
	// finished in between must not be missed.
	lease, err = m.props.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if !lease.Active {
		return nil
	}
	if !lease.Expired(m.now()) {
		return ErrLeaseNotExpired
	}
	if lease.DisputeStatus == property.DisputeRaised || lease.DisputeStatus == property.DisputePendingResponse {
		m.logger.Info("skipping expiry of disputed lease", "leaseId", lease.ID)
		return nil
	}

	prop, err := m.props.Get(ctx, lease.PropertyID)
	if err != nil {
		return err
	}

	if err := m.registry.SetLeased(ctx, prop.ID, false); err != nil {
		return fmt.Errorf("registry lease unlock: %w", err)
	}
	if err := m.registry.TransferOwnership(ctx, lease.Tenant, prop.Owner, prop.ID); err != nil {
		return fmt.Errorf("registry return transfer: %w", err)
	}

	lease.Active = false
	if err := m.props.UpdateLease(ctx, lease); err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	metrics.LeasesActive.Dec()

	m.broadcast(realtime.EventLeaseExpired, map[string]interface{}{
		"leaseId":    lease.ID,
		"propertyId": lease.PropertyID,
		"tenant":     lease.Tenant,
	})
	m.logger.Info("lease expired",
		"leaseId", lease.ID, "propertyId", lease.PropertyID, "tenant", lease.Tenant)

	// Pay the held escrow out to the landlord. Failure recredits and
	// leaves EscrowHeld recorded for a later manual payout.
	if lease.EscrowHeld != "" && lease.EscrowHeld != "0" && lease.EscrowHeld != "0.000000" {
		if err := m.issueTransfer(ctx, &transfer.Pending{
			Kind:       transfer.KindEscrowRelease,
			PropertyID: prop.ID,
			LeaseID:    lease.ID,
			Token:      lease.EscrowToken,
			Recipient:  prop.Owner,
			Amount:     lease.EscrowHeld,
		}, "lease escrow payout"); err != nil {
			m.logger.Warn("lease escrow payout not issued", "leaseId", lease.ID, "error", err)
		}
	}
	return nil
}

// SweepLeases expires up to budget ended leases, resuming from the
// afterID cursor. Returns the number processed and the cursor for the
// next call; processed < budget means the scan reached the end.
func (m *Market) SweepLeases(ctx context.Context, budget int, afterID int64) (int, int64, error) {
	if budget <= 0 {
		budget = 10
	}

	expired, err := m.props.ExpiredLeases(ctx, m.now(), afterID, budget)
	if err != nil {
		return 0, afterID, err
	}

	processed := 0
	cursor := afterID
	for _, lease := range expired {
		cursor = lease.ID
		if err := m.ExpireLease(ctx, lease.ID); err != nil {
			m.logger.Warn("lease sweep: expiry failed", "leaseId", lease.ID, "error", err)
			continue
		}
		processed++
		metrics.SweepItemsTotal.WithLabelValues("leases").Inc()
	}
	return processed, cursor, nil
}
