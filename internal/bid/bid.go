// Package bid holds the per-property bid registry.
//
// Each bid is an independent state machine. Bids are created by the
// deposit notification and never deleted: a late-arriving transfer
// callback must always be able to find the bid it finalizes or
// compensates, so terminal bids stay in the registry forever.
package bid

import (
	"context"
	"errors"
	"time"

	"github.com/mabena/shamba/internal/token"
)

// Errors
var (
	ErrNotFound          = errors.New("bid not found")
	ErrInvalidTransition = errors.New("invalid bid status transition")
)

// Action is what the bidder wants: outright purchase or a lease.
type Action string

const (
	ActionPurchase Action = "purchase"
	ActionLease    Action = "lease"
)

// Status of a bid. Terminal statuses are never left.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusDocsReleased    Status = "docs_released"
	StatusDocsConfirmed   Status = "docs_confirmed"
	StatusPaymentReleased Status = "payment_released"
	StatusCompleted       Status = "completed"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
	StatusDisputed        Status = "disputed"
)

// Terminal reports whether the status ends the bid's lifecycle.
// Disputed exits to the dispute-resolution flow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusDisputed:
		return true
	}
	return false
}

// transitions is the allowed edge set. Backward edges exist only for
// saga compensation: a failed settlement transfer reverts accepted to
// pending, a failed escrow release stays at docs_confirmed.
var transitions = map[Status][]Status{
	StatusPending: {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {
		StatusDocsReleased, StatusCompleted, StatusDisputed,
		StatusCancelled, // timeout refund
		StatusPending,   // settlement compensation
	},
	StatusDocsReleased: {
		StatusDocsConfirmed, StatusDisputed,
		StatusCancelled, // timeout refund
	},
	StatusDocsConfirmed:   {StatusPaymentReleased, StatusDisputed},
	StatusPaymentReleased: {StatusCompleted},
	StatusRejected:        {StatusCancelled}, // lost-bid claim on an unrefunded reject
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Bid is one offer on a property.
type Bid struct {
	ID         int64      `json:"id"`
	PropertyID int64      `json:"propertyId"`
	Bidder     string     `json:"bidder"`
	Amount     string     `json:"amount"`
	Action     Action     `json:"action"`
	Token      token.Kind `json:"token"`
	Status     Status     `json:"status"`

	DocumentRef   string `json:"documentRef,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`
	// SettlementRef marks the transfer that settled this bid.
	SettlementRef string `json:"settlementRef,omitempty"`
	// RefundRef marks the transfer that returned the bidder's funds.
	// A bid with an empty RefundRef still holds its deposit.
	RefundRef string `json:"refundRef,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Refunded reports whether the bidder's deposit has been returned.
func (b *Bid) Refunded() bool {
	return b.RefundRef != ""
}

// Transition moves the bid to the next status, updating UpdatedAt.
// Returns ErrInvalidTransition for a disallowed edge.
func (b *Bid) Transition(to Status) error {
	if !CanTransition(b.Status, to) {
		return ErrInvalidTransition
	}
	b.Status = to
	b.UpdatedAt = time.Now()
	return nil
}

// Store persists bids. IDs are monotonic and never reused.
type Store interface {
	Create(ctx context.Context, b *Bid) error
	Get(ctx context.Context, id int64) (*Bid, error)
	Update(ctx context.Context, b *Bid) error
	// ListByProperty returns all bids on a property, ascending by id.
	ListByProperty(ctx context.Context, propertyID int64) ([]*Bid, error)
	// LiveByProperty returns the property's non-terminal bids,
	// ascending by id, with id > afterID, at most limit (0 = all).
	LiveByProperty(ctx context.Context, propertyID, afterID int64, limit int) ([]*Bid, error)
	// StaleBids returns bids in one of the given statuses whose
	// updated_at is at or before cutoff, ascending by id, with
	// id > afterID, at most limit. Used by the timeout-refund sweep.
	StaleBids(ctx context.Context, statuses []Status, cutoff time.Time, afterID int64, limit int) ([]*Bid, error)
}
