// Package registry abstracts the title/ownership registry that records
// who holds each property token.
//
// The marketplace never mutates registry state directly; it calls
// TransferOwnership and trusts the registry to enforce its own rule
// that a leased item cannot change hands.
package registry

import (
	"context"
	"errors"
)

// Errors
var (
	ErrItemNotFound = errors.New("registry: item not found")
	ErrNotOwner     = errors.New("registry: transferor does not own the item")
	ErrLeased       = errors.New("registry: item is under an active lease")
)

// Registry mediates ownership of property tokens.
type Registry interface {
	// Register records a newly minted item under its first owner.
	Register(ctx context.Context, itemID int64, owner string) error
	// Owner returns the current holder of the item.
	Owner(ctx context.Context, itemID int64) (string, error)
	// TransferOwnership moves the item from one holder to another.
	// Refuses with ErrLeased while the item is lease-locked, and with
	// ErrNotOwner when from does not hold the item.
	TransferOwnership(ctx context.Context, from, to string, itemID int64) error
	// SetLeased marks or clears the item's lease lock.
	SetLeased(ctx context.Context, itemID int64, leased bool) error
}
