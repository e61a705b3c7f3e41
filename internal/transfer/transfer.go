// Package transfer tracks outbound token transfers through the external
// transfer service.
//
// Every outbound payment is recorded as a Pending transfer BEFORE the
// request is issued. The service reports outcomes through a separate
// callback invocation; the callback handler consumes the pending record
// exactly once, so a duplicate or replayed callback finds nothing to
// act on.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/mabena/shamba/internal/token"
)

// Errors
var (
	ErrNotFound = errors.New("pending transfer not found")
)

// Kind says which saga step issued the transfer, and therefore which
// finalize/compensate pair the callback dispatches to.
type Kind string

const (
	KindSettle        Kind = "settle"         // seller payout on direct settlement
	KindEscrowRelease Kind = "escrow_release" // seller payout after docs confirmed
	KindRejectRefund  Kind = "reject_refund"
	KindCancelRefund  Kind = "cancel_refund"
	KindTimeoutRefund Kind = "timeout_refund"
	KindClaimRefund   Kind = "claim_refund"
	KindSiblingRefund Kind = "sibling_refund"
	KindDisputePayout Kind = "dispute_payout"
	KindWithdraw      Kind = "withdraw"
)

// Pending is an outbound transfer awaiting its callback.
type Pending struct {
	Reference  string     `json:"reference"`
	Kind       Kind       `json:"kind"`
	PropertyID int64      `json:"propertyId,omitempty"`
	BidID      int64      `json:"bidId,omitempty"`
	LeaseID    int64      `json:"leaseId,omitempty"`
	Token      token.Kind `json:"token"`
	Recipient  string     `json:"recipient"`
	Amount     string     `json:"amount"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Outcome of a transfer, reported by the callback.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Result is the callback payload.
type Result struct {
	Reference string  `json:"reference"`
	Outcome   Outcome `json:"outcome"`
	Detail    string  `json:"detail,omitempty"`
}

// Store persists pending transfers across restarts.
type Store interface {
	Create(ctx context.Context, p *Pending) error
	// Consume removes and returns the pending transfer. A second call
	// with the same reference returns ErrNotFound; this is the
	// exactly-once guarantee the callback handler relies on.
	Consume(ctx context.Context, reference string) (*Pending, error)
	// HasForBid reports whether a pending transfer references the bid.
	// Used to refuse issuing a second refund while one is in flight.
	HasForBid(ctx context.Context, bidID int64) (bool, error)
	// List returns all pending transfers, oldest first.
	List(ctx context.Context) ([]*Pending, error)
}

// Requester issues a fire-and-forget transfer request. A nil error
// means the request was handed to the service, not that it succeeded;
// the outcome arrives later through the callback.
type Requester interface {
	Request(ctx context.Context, p *Pending) error
}
