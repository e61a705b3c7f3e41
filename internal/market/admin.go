package market

import (
	"context"
	"fmt"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
	"github.com/mabena/shamba/internal/validation"
)

// MintRequest carries the fields for a new listing.
type MintRequest struct {
	Owner         string        `json:"owner"`
	Description   string        `json:"description"`
	MetadataURI   string        `json:"metadataUri"`
	Price         string        `json:"price"`
	LeaseDuration time.Duration `json:"leaseDuration"`
	EscrowToken   token.Kind    `json:"escrowToken"`
	IsForSale     bool          `json:"isForSale"`
}

// MintProperty creates a listing and registers the backing item under
// its first owner.
func (m *Market) MintProperty(ctx context.Context, req MintRequest) (*property.Property, error) {
	if !validation.IsValidAccountID(req.Owner) {
		return nil, fmt.Errorf("%w: bad owner %q", ErrInvalidDeposit, req.Owner)
	}
	if !m.tokens.Accepted(req.EscrowToken) {
		return nil, token.ErrUnsupportedToken
	}
	if amt, ok := token.Parse(req.Price); !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q", req.Price)
	}

	prop := &property.Property{
		Owner:         validation.SanitizeAccountID(req.Owner),
		Description:   validation.SanitizeString(req.Description, 2000),
		MetadataURI:   req.MetadataURI,
		IsForSale:     req.IsForSale,
		Price:         req.Price,
		LeaseDuration: req.LeaseDuration,
		EscrowToken:   req.EscrowToken,
	}
	if err := m.props.Create(ctx, prop); err != nil {
		return nil, fmt.Errorf("create property: %w", err)
	}
	if err := m.registry.Register(ctx, prop.ID, prop.Owner); err != nil {
		// Listing without a registry item is unsellable; undo.
		if derr := m.props.Delete(ctx, prop.ID); derr != nil {
			m.logger.Error("orphaned property after registry failure",
				"propertyId", prop.ID, "error", derr)
		}
		return nil, fmt.Errorf("register item: %w", err)
	}

	m.broadcast(realtime.EventPropertyListed, map[string]interface{}{
		"propertyId": prop.ID,
		"seller":     prop.Owner,
		"amount":     amountFloat(prop.Price),
		"forSale":    prop.IsForSale,
		"leasable":   prop.Leasable(),
	})
	m.logger.Info("property minted",
		"propertyId", prop.ID, "owner", prop.Owner, "price", prop.Price)
	return prop, nil
}

// DelistProperty takes a listing off the market. Refused while the
// property has an active lease, live bids, or is already sold.
func (m *Market) DelistProperty(ctx context.Context, caller string, propertyID int64) error {
	release, err := m.lockProperty(propertyID)
	if err != nil {
		return err
	}
	defer release()

	prop, err := m.delistable(ctx, caller, propertyID)
	if err != nil {
		return err
	}

	prop.IsForSale = false
	prop.LeaseDuration = 0
	if err := m.props.Update(ctx, prop); err != nil {
		return fmt.Errorf("update property: %w", err)
	}
	m.logger.Info("property delisted", "propertyId", prop.ID, "by", caller)
	return nil
}

// DeleteProperty removes a listing entirely, under the same rules as
// delisting.
func (m *Market) DeleteProperty(ctx context.Context, caller string, propertyID int64) error {
	release, err := m.lockProperty(propertyID)
	if err != nil {
		return err
	}
	defer release()

	prop, err := m.delistable(ctx, caller, propertyID)
	if err != nil {
		return err
	}

	if err := m.props.Delete(ctx, prop.ID); err != nil {
		return fmt.Errorf("delete property: %w", err)
	}
	m.logger.Info("property deleted", "propertyId", prop.ID, "by", caller)
	return nil
}

func (m *Market) delistable(ctx context.Context, caller string, propertyID int64) (*property.Property, error) {
	prop, err := m.props.Get(ctx, propertyID)
	if err != nil {
		return nil, err
	}
	if prop.Owner != caller {
		return nil, ErrNotOwner
	}
	if prop.ActiveLease != nil {
		return nil, property.ErrActiveLease
	}
	if prop.Sold != nil {
		return nil, property.ErrAlreadySold
	}
	live, err := m.bids.LiveByProperty(ctx, propertyID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(live) > 0 {
		return nil, ErrLiveBids
	}
	return prop, nil
}

// RefundBids bulk-refunds a property's pending bids, up to budget per
// call. Used by operators to drain a delisted or abandoned listing.
func (m *Market) RefundBids(ctx context.Context, propertyID int64, budget int) (int, error) {
	release, err := m.lockProperty(propertyID)
	if err != nil {
		return 0, err
	}
	defer release()

	if _, err := m.props.Get(ctx, propertyID); err != nil {
		return 0, err
	}
	if budget <= 0 {
		budget = m.cfg.SiblingRefundBudget
	}

	processed := 0
	var afterID int64
	for processed < budget {
		batch, err := m.bids.LiveByProperty(ctx, propertyID, afterID, budget-processed)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}
		for _, b := range batch {
			afterID = b.ID
			if b.Status != bid.StatusPending {
				continue
			}
			if !m.refundSibling(ctx, propertyID, b.ID, transfer.KindRejectRefund) {
				continue
			}
			processed++
		}
	}
	return processed, nil
}

// WithdrawToken pays platform-held funds out to a recipient. The debit
// is optimistic; a failed transfer re-credits through the callback.
func (m *Market) WithdrawToken(ctx context.Context, kind token.Kind, recipient, amount string) (string, error) {
	if !validation.IsValidAccountID(recipient) {
		return "", fmt.Errorf("invalid recipient %q", recipient)
	}
	p := &transfer.Pending{
		Kind:      transfer.KindWithdraw,
		Token:     kind,
		Recipient: validation.SanitizeAccountID(recipient),
		Amount:    amount,
	}
	if err := m.issueTransfer(ctx, p, "platform withdrawal"); err != nil {
		return "", err
	}
	return p.Reference, nil
}

// AddAcceptedToken registers a token kind for deposits and escrow.
func (m *Market) AddAcceptedToken(kind token.Kind) error {
	if !validation.IsValidTokenID(string(kind)) {
		return fmt.Errorf("invalid token kind %q", kind)
	}
	m.tokens.Add(kind)
	m.logger.Info("token kind accepted", "token", kind)
	return nil
}

// RemoveAcceptedToken deregisters a token kind. Refused while the
// ledger still holds a balance in it: removing a held kind would
// strand deposits.
func (m *Market) RemoveAcceptedToken(ctx context.Context, kind token.Kind) error {
	balance, err := m.ledger.Balance(ctx, kind)
	if err != nil {
		return err
	}
	if amt, ok := token.Parse(balance); !ok || amt.Sign() != 0 {
		return fmt.Errorf("%w: %s holds %s", ErrTokenInUse, kind, balance)
	}
	m.tokens.Remove(kind)
	m.logger.Info("token kind removed", "token", kind)
	return nil
}

// AcceptedTokens lists the currently accepted kinds.
func (m *Market) AcceptedTokens() []token.Kind {
	return m.tokens.List()
}

// LeasesWithOpenDisputes lists active leases awaiting resolution.
func (m *Market) LeasesWithOpenDisputes(ctx context.Context) ([]*property.Lease, error) {
	return m.props.LeasesWithOpenDisputes(ctx)
}
