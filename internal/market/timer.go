package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/transfer"
)

// Timer periodically runs the recovery sweeps: lease expiry, pending
// bids past their deposit expiry, and accepted bids stuck past the
// escrow timeout. Every sweep is also callable over HTTP; the timer
// just keeps the system moving without operator attention.
type Timer struct {
	market   *Market
	interval time.Duration
	budget   int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(m *Market, interval time.Duration, budget int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if budget <= 0 {
		budget = 10
	}
	return &Timer{
		market:   m,
		interval: interval,
		budget:   budget,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in market timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	// 1. Expire ended leases, one budget per tick.
	if n, _, err := t.market.SweepLeases(ctx, t.budget, 0); err != nil {
		t.logger.Warn("lease sweep failed", "error", err)
	} else if n > 0 {
		t.logger.Info("lease sweep", "expired", n)
	}

	// 2. Refund pending bids whose deposit expiry has passed.
	if t.market.cfg.BidExpiry > 0 {
		t.sweepStale(ctx, []bid.Status{bid.StatusPending}, t.market.cfg.BidExpiry, "expired_bids")
	}

	// 3. Refund accepted bids stuck past the escrow timeout.
	if t.market.cfg.EscrowReleaseDelay > 0 {
		t.sweepStale(ctx,
			[]bid.Status{bid.StatusAccepted, bid.StatusDocsReleased},
			t.market.cfg.EscrowReleaseDelay, "timeout_refunds")
	}
}

// sweepStale refunds bids idle in the given statuses past maxAge.
func (t *Timer) sweepStale(ctx context.Context, statuses []bid.Status, maxAge time.Duration, name string) {
	cutoff := t.market.now().Add(-maxAge)
	stale, err := t.market.bids.StaleBids(ctx, statuses, cutoff, 0, t.budget)
	if err != nil {
		t.logger.Warn("stale bid scan failed", "sweep", name, "error", err)
		return
	}

	for _, b := range stale {
		var err error
		if b.Status == bid.StatusPending {
			err = t.market.expirePendingBid(ctx, b.PropertyID, b.ID)
		} else {
			err = t.market.RefundEscrowTimeout(ctx, b.PropertyID, b.ID)
		}
		if err != nil {
			t.logger.Warn("stale bid refund failed",
				"sweep", name, "bidId", b.ID, "error", err)
			continue
		}
		metrics.SweepItemsTotal.WithLabelValues(name).Inc()
	}
}

// expirePendingBid refunds a pending bid whose deposit expiry passed.
// The refund callback marks it cancelled.
func (m *Market) expirePendingBid(ctx context.Context, propertyID, bidID int64) error {
	release, err := m.lockPair(propertyID, bidID)
	if err != nil {
		return err
	}
	defer release()

	_, b, err := m.loadPair(ctx, propertyID, bidID)
	if err != nil {
		return err
	}
	if b.Status != bid.StatusPending {
		return fmt.Errorf("%w: %s", ErrWrongStatus, b.Status)
	}
	if b.ExpiresAt == nil || m.now().Before(*b.ExpiresAt) {
		return ErrNotTimedOut
	}
	if err := m.refuseInFlight(ctx, b.ID); err != nil {
		return err
	}

	return m.issueRefund(ctx, b, transfer.KindTimeoutRefund)
}
