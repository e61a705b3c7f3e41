// Package property holds the canonical state of marketplace properties
// and their leases.
//
// Properties are never deleted while anything still references them: a
// property with an active lease, live bids, or a sold record refuses
// delisting and deletion. Leases are never deleted either, only
// deactivated, so dispute resolution and audits can always find them.
package property

import (
	"context"
	"errors"
	"time"

	"github.com/mabena/shamba/internal/token"
)

// Errors
var (
	ErrNotFound      = errors.New("property not found")
	ErrLeaseNotFound = errors.New("lease not found")
	ErrNotOwner      = errors.New("caller is not the property owner")
	ErrActiveLease   = errors.New("property has an active lease")
	ErrAlreadySold   = errors.New("property already sold")
)

// DisputeStatus tracks the dispute sub-state of a lease.
type DisputeStatus string

const (
	DisputeNone            DisputeStatus = "none"
	DisputeRaised          DisputeStatus = "raised"
	DisputeResolved        DisputeStatus = "resolved"
	DisputePendingResponse DisputeStatus = "pending_response"
)

// DisputeDetail records who raised a dispute and how it was resolved.
type DisputeDetail struct {
	RaisedBy          string     `json:"raisedBy"`
	Reason            string     `json:"reason,omitempty"`
	RaisedAt          time.Time  `json:"raisedAt"`
	ArbitrationResult string     `json:"arbitrationResult,omitempty"`
	ResolvedBy        string     `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
}

// Lease is created when a lease-kind bid settles. Deactivated by the
// expiry sweep or by dispute resolution; never deleted.
type Lease struct {
	ID            int64          `json:"id"`
	PropertyID    int64          `json:"propertyId"`
	Tenant        string         `json:"tenant"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Active        bool           `json:"active"`
	DisputeStatus DisputeStatus  `json:"disputeStatus"`
	Dispute       *DisputeDetail `json:"dispute,omitempty"`
	EscrowHeld    string         `json:"escrowHeld"`
	EscrowToken   token.Kind     `json:"escrowToken"`
}

// Expired reports whether the lease term has ended.
func (l *Lease) Expired(now time.Time) bool {
	return !l.EndTime.After(now)
}

// SoldRecord is immutable once created.
type SoldRecord struct {
	PropertyID    int64     `json:"propertyId"`
	Buyer         string    `json:"buyer"`
	Amount        string    `json:"amount"`
	PreviousOwner string    `json:"previousOwner"`
	SoldAt        time.Time `json:"soldAt"`
}

// Property is a marketplace listing backed by an ownership-registry item.
// LeaseDuration zero means the property is for outright sale only.
type Property struct {
	ID            int64         `json:"id"`
	Owner         string        `json:"owner"`
	Description   string        `json:"description"`
	MetadataURI   string        `json:"metadataUri,omitempty"`
	IsForSale     bool          `json:"isForSale"`
	Price         string        `json:"price"`
	LeaseDuration time.Duration `json:"leaseDuration,omitempty"`
	EscrowToken   token.Kind    `json:"escrowToken"`
	ActiveLease   *Lease        `json:"activeLease,omitempty"`
	Sold          *SoldRecord   `json:"sold,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Leasable reports whether the property is configured for lease bids.
func (p *Property) Leasable() bool {
	return p.LeaseDuration > 0
}

// Store persists properties and leases. IDs are monotonic and never
// reused, so callbacks from old operations can always resolve them.
type Store interface {
	Create(ctx context.Context, p *Property) error
	Get(ctx context.Context, id int64) (*Property, error)
	Update(ctx context.Context, p *Property) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, forSaleOnly bool) ([]*Property, error)

	CreateLease(ctx context.Context, l *Lease) error
	GetLease(ctx context.Context, id int64) (*Lease, error)
	UpdateLease(ctx context.Context, l *Lease) error
	// ExpiredLeases returns active leases with end_time <= now and
	// id > afterID, ascending by id, at most limit. The afterID cursor
	// lets a budgeted sweep resume where it stopped.
	ExpiredLeases(ctx context.Context, now time.Time, afterID int64, limit int) ([]*Lease, error)
	// ActiveLeases returns all leases still marked active.
	ActiveLeases(ctx context.Context) ([]*Lease, error)
	// LeasesWithOpenDisputes returns active leases whose dispute status is raised.
	LeasesWithOpenDisputes(ctx context.Context) ([]*Lease, error)
}
