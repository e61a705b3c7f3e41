// Package reconcile cross-checks the ledger against the funds the
// marketplace is contractually holding: deposits of non-terminal,
// unrefunded bids plus the escrow of active leases. A shortfall means
// an accounting bug somewhere in the saga paths and is reported
// loudly; it is never "fixed" automatically.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
)

// Shortfall reports one token kind whose tracked balance undershoots
// the committed funds.
type Shortfall struct {
	Token     token.Kind `json:"token"`
	Committed string     `json:"committed"`
	Tracked   string     `json:"tracked"`
	Missing   string     `json:"missing"`
}

// Checker computes committed funds and compares them to the ledger.
type Checker struct {
	ledger  *ledger.Ledger
	bids    bid.Store
	props   property.Store
	pending transfer.Store
	logger  *slog.Logger
}

// NewChecker creates a reconciliation checker.
func NewChecker(led *ledger.Ledger, bids bid.Store, props property.Store, pending transfer.Store, logger *slog.Logger) *Checker {
	return &Checker{ledger: led, bids: bids, props: props, pending: pending, logger: logger}
}

// Check runs one reconciliation pass. An empty slice means every token
// kind holds at least what it owes. Surpluses (platform fees, donated
// dust) are fine and not reported.
func (c *Checker) Check(ctx context.Context) ([]Shortfall, error) {
	metrics.ReconcileRunsTotal.Inc()

	committed, err := c.committedFunds(ctx)
	if err != nil {
		return nil, err
	}
	tracked, err := c.ledger.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}

	// Funds mid-transfer were already debited but are still accounted
	// for: their callbacks either finish the saga or re-credit them.
	inflight, err := c.inflightFunds(ctx)
	if err != nil {
		return nil, err
	}

	var shortfalls []Shortfall
	for kind, owed := range committed {
		have := big.NewInt(0)
		if s, ok := tracked[kind]; ok {
			if amt, ok := token.Parse(s); ok {
				have = amt
			}
		}
		if fl, ok := inflight[kind]; ok {
			have = new(big.Int).Add(have, fl)
		}
		missing := new(big.Int).Sub(owed, have)
		if missing.Sign() > 0 {
			sf := Shortfall{
				Token:     kind,
				Committed: token.Format(owed),
				Tracked:   token.Format(have),
				Missing:   token.Format(missing),
			}
			shortfalls = append(shortfalls, sf)
			metrics.ReconcileShortfall.WithLabelValues(string(kind)).Set(amountAsFloat(missing))
			c.logger.Error("CRITICAL: ledger shortfall",
				"token", kind, "committed", sf.Committed,
				"tracked", sf.Tracked, "missing", sf.Missing)
		} else {
			metrics.ReconcileShortfall.WithLabelValues(string(kind)).Set(0)
		}
	}
	return shortfalls, nil
}

// committedFunds sums, per token kind, the deposits of unrefunded
// non-terminal bids and the escrow held by active leases.
//
// A rejected or cancelled bid whose RefundRef is empty still holds its
// deposit (its refund transfer failed), so it counts too.
func (c *Checker) committedFunds(ctx context.Context) (map[token.Kind]*big.Int, error) {
	committed := make(map[token.Kind]*big.Int)
	add := func(kind token.Kind, amount string) {
		amt, ok := token.Parse(amount)
		if !ok {
			return
		}
		total, ok := committed[kind]
		if !ok {
			total = big.NewInt(0)
			committed[kind] = total
		}
		total.Add(total, amt)
	}

	props, err := c.props.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	for _, prop := range props {
		bids, err := c.bids.ListByProperty(ctx, prop.ID)
		if err != nil {
			return nil, fmt.Errorf("list bids for property %d: %w", prop.ID, err)
		}
		for _, b := range bids {
			if b.Refunded() {
				continue
			}
			switch b.Status {
			case bid.StatusCompleted:
				// Paid out to the seller, or converted to lease escrow
				// which is counted below.
				continue
			default:
				// Live, disputed, or terminal-but-unrefunded: the
				// deposit is still ours to hold or return.
				add(b.Token, b.Amount)
			}
		}
	}

	leases, err := c.props.ActiveLeases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	for _, lease := range leases {
		add(lease.EscrowToken, lease.EscrowHeld)
	}
	return committed, nil
}

// inflightFunds sums pending outbound transfers per token kind.
func (c *Checker) inflightFunds(ctx context.Context) (map[token.Kind]*big.Int, error) {
	pending, err := c.pending.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending transfers: %w", err)
	}
	inflight := make(map[token.Kind]*big.Int)
	for _, p := range pending {
		amt, ok := token.Parse(p.Amount)
		if !ok {
			continue
		}
		total, ok := inflight[p.Token]
		if !ok {
			total = big.NewInt(0)
			inflight[p.Token] = total
		}
		total.Add(total, amt)
	}
	return inflight, nil
}

func amountAsFloat(amt *big.Int) float64 {
	f, _ := new(big.Float).SetInt(amt).Float64()
	return f / 1e6
}

// Timer periodically runs the reconciliation pass.
type Timer struct {
	checker  *Checker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer.
func NewTimer(checker *Checker, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Timer{
		checker:  checker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
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
			t.check(ctx)
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

func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.checker.Check(ctx); err != nil {
		t.logger.Warn("reconciliation failed", "error", err)
	}
}
