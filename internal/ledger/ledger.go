// Package ledger tracks the funds the marketplace believes it holds,
// per token kind.
//
// Flow:
//  1. A bid deposit arrives → balance credited
//  2. A saga step pays out → balance debited BEFORE the transfer is issued
//  3. The transfer callback reports failure → balance re-credited
//
// Debits happen before the asynchronous transfer is requested, so two
// concurrent sagas can never commit the same funds twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mabena/shamba/internal/pagination"
	"github.com/mabena/shamba/internal/token"
)

var (
	// ErrInvariantViolation signals an accounting bug: a debit would
	// drive a tracked balance negative, or a credit would overflow.
	// It is fatal to the operation and must never be compensated.
	ErrInvariantViolation = errors.New("ledger: balance invariant violation")

	ErrInvalidAmount = errors.New("ledger: invalid amount")
)

// Entry is one movement in the contract's internal books.
type Entry struct {
	ID          string     `json:"id"`
	Token       token.Kind `json:"token"`
	Type        string     `json:"type"` // credit, debit
	Amount      string     `json:"amount"`
	Reference   string     `json:"reference,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Store persists per-token-kind balances.
type Store interface {
	// Balance returns the tracked balance for a token kind ("0.000000"
	// when the kind has never been touched).
	Balance(ctx context.Context, kind token.Kind) (string, error)
	// Credit adds amount to the kind's balance. Overflow is an
	// ErrInvariantViolation.
	Credit(ctx context.Context, kind token.Kind, amount, reference, description string) error
	// Debit subtracts amount from the kind's balance. Underflow is an
	// ErrInvariantViolation, never a recoverable error.
	Debit(ctx context.Context, kind token.Kind, amount, reference, description string) error
	// Balances returns every tracked kind and its balance.
	Balances(ctx context.Context) (map[token.Kind]string, error)
	// History returns the most recent entries for a kind, newest first.
	History(ctx context.Context, kind token.Kind, before *pagination.Cursor, limit int) ([]*Entry, error)
}

// Ledger manages the marketplace's internal balance books.
type Ledger struct {
	store Store
}

// New creates a ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance returns the tracked balance for a token kind.
func (l *Ledger) Balance(ctx context.Context, kind token.Kind) (string, error) {
	return l.store.Balance(ctx, kind)
}

// Balances returns all tracked balances.
func (l *Ledger) Balances(ctx context.Context) (map[token.Kind]string, error) {
	return l.store.Balances(ctx)
}

// Credit records funds received (a bid deposit, or a compensation after
// a failed outbound transfer).
func (l *Ledger) Credit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	done := observeOp("credit")
	defer done()

	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Credit(ctx, kind, amount, reference, description); err != nil {
		return fmt.Errorf("credit %s %s: %w", amount, kind, err)
	}
	return nil
}

// Debit records funds committed to an outbound transfer. Callers must
// debit before issuing the transfer and re-credit if it fails.
func (l *Ledger) Debit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	done := observeOp("debit")
	defer done()

	amt, ok := token.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Debit(ctx, kind, amount, reference, description); err != nil {
		return fmt.Errorf("debit %s %s: %w", amount, kind, err)
	}
	return nil
}

// History returns entries for a token kind, newest first, resuming
// strictly before the cursor when one is given.
func (l *Ledger) History(ctx context.Context, kind token.Kind, before *pagination.Cursor, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, kind, before, limit)
}
