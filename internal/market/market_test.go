package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/registry"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/transfer"
)

const kes = token.Kind("tkn.kes.test")

// fakeRequester records issued transfers. err, when set, makes the
// next Request fail synchronously.
type fakeRequester struct {
	mu       sync.Mutex
	requests []*transfer.Pending
	err      error
}

func (f *fakeRequester) Request(ctx context.Context, p *transfer.Pending) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cp := *p
	f.requests = append(f.requests, &cp)
	return nil
}

func (f *fakeRequester) last(t *testing.T) *transfer.Pending {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no transfer requests issued")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	market  *Market
	ledger  *ledger.Ledger
	bids    bid.Store
	props   property.Store
	pending transfer.Store
	req     *fakeRequester
	reg     *registry.Local
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  ledger.New(ledger.NewMemoryStore()),
		bids:    bid.NewMemoryStore(),
		props:   property.NewMemoryStore(),
		pending: transfer.NewMemoryStore(),
		req:     &fakeRequester{},
		reg:     registry.NewLocal(),
		// Bid timestamps come from the wall clock, so the test clock
		// starts there and only moves forward.
		now: time.Now().UTC(),
	}
	cfg := Config{
		BidExpiry:           24 * time.Hour,
		LostBidClaimDelay:   time.Hour,
		EscrowReleaseDelay:  72 * time.Hour,
		SiblingRefundBudget: 10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.market = New(cfg, f.ledger, f.bids, f.props, f.pending,
		f.req, f.reg, token.NewRegistry(kes), logger)
	f.market.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) mint(t *testing.T, owner, price string, leaseDuration time.Duration) *property.Property {
	t.Helper()
	prop, err := f.market.MintProperty(context.Background(), MintRequest{
		Owner:         owner,
		Description:   "two acres in naivasha",
		Price:         price,
		LeaseDuration: leaseDuration,
		EscrowToken:   kes,
		IsForSale:     true,
	})
	if err != nil {
		t.Fatalf("MintProperty() error = %v", err)
	}
	return prop
}

func (f *fixture) place(t *testing.T, prop *property.Property, bidder, amount string, action bid.Action) *bid.Bid {
	t.Helper()
	refund, b, err := f.market.OnDeposit(context.Background(), bidder, amount, DepositMessage{
		PropertyID: prop.ID,
		Action:     action,
		Token:      kes,
	})
	if err != nil {
		t.Fatalf("OnDeposit() error = %v", err)
	}
	if refund != "0" {
		t.Fatalf("OnDeposit() refund = %q, want 0", refund)
	}
	return b
}

func (f *fixture) callback(t *testing.T, ref string, outcome transfer.Outcome) {
	t.Helper()
	err := f.market.HandleTransferResult(context.Background(), &transfer.Result{
		Reference: ref,
		Outcome:   outcome,
	})
	if err != nil {
		t.Fatalf("HandleTransferResult(%s, %s) error = %v", ref, outcome, err)
	}
}

func (f *fixture) balance(t *testing.T) string {
	t.Helper()
	bal, err := f.ledger.Balance(context.Background(), kes)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	return bal
}

func (f *fixture) bidStatus(t *testing.T, id int64) bid.Status {
	t.Helper()
	b, err := f.bids.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get bid %d: %v", id, err)
	}
	return b.Status
}

func TestOnDeposit_CreatesFundedPendingBid(t *testing.T) {
	f := newFixture(t)
	prop := f.mint(t, "mary.shamba", "1000", 0)

	b := f.place(t, prop, "juma.shamba", "1000", bid.ActionPurchase)

	if b.Status != bid.StatusPending {
		t.Errorf("status = %s, want pending", b.Status)
	}
	if b.ExpiresAt == nil || !b.ExpiresAt.Equal(f.now.Add(24*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+24h", b.ExpiresAt)
	}
	if got := f.balance(t); got != "1000.000000" {
		t.Errorf("ledger balance = %s, want 1000.000000", got)
	}
}

func TestOnDeposit_Rejections(t *testing.T) {
	f := newFixture(t)
	prop := f.mint(t, "mary.shamba", "1000", 0)

	tests := []struct {
		name    string
		sender  string
		amount  string
		msg     DepositMessage
		wantErr error
	}{
		{"unsupported token", "juma.shamba", "10",
			DepositMessage{prop.ID, bid.ActionPurchase, "tkn.unknown"}, token.ErrUnsupportedToken},
		{"unknown property", "juma.shamba", "10",
			DepositMessage{999, bid.ActionPurchase, kes}, property.ErrNotFound},
		{"lease on sale-only listing", "juma.shamba", "10",
			DepositMessage{prop.ID, bid.ActionLease, kes}, ErrPropertyNotListed},
		{"bad amount", "juma.shamba", "-5",
			DepositMessage{prop.ID, bid.ActionPurchase, kes}, ErrInvalidDeposit},
		{"bad sender", "JUMA SHAMBA!", "10",
			DepositMessage{prop.ID, bid.ActionPurchase, kes}, ErrInvalidDeposit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refund, _, err := f.market.OnDeposit(context.Background(), tt.sender, tt.amount, tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if refund != tt.amount {
				t.Errorf("refund = %q, want the full deposit back", refund)
			}
		})
	}

	if got := f.balance(t); got != "0.000000" {
		t.Errorf("rejected deposits must not credit the ledger, balance = %s", got)
	}
}

// Scenario: direct settlement with a competing bid. The winner
// completes, the property records the sale, the sibling is refunded,
// and the ledger ends back at zero.
func TestAcceptBid_DirectSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b1 := f.place(t, prop, "juma.shamba", "1000", bid.ActionPurchase)
	b2 := f.place(t, prop, "amina.shamba", "1000", bid.ActionPurchase)

	if err := f.market.AcceptBid(ctx, "mary.shamba", prop.ID, b1.ID); err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	if got := f.bidStatus(t, b1.ID); got != bid.StatusAccepted {
		t.Fatalf("winner status = %s, want accepted before callback", got)
	}

	settle := f.req.last(t)
	if settle.Kind != transfer.KindSettle || settle.Recipient != "mary.shamba" {
		t.Fatalf("unexpected settle transfer %+v", settle)
	}
	f.callback(t, settle.Reference, transfer.OutcomeSuccess)

	if got := f.bidStatus(t, b1.ID); got != bid.StatusCompleted {
		t.Errorf("winner status = %s, want completed", got)
	}

	got, err := f.props.Get(ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Sold == nil || got.Sold.Buyer != "juma.shamba" {
		t.Fatalf("sold record = %+v, want buyer juma.shamba", got.Sold)
	}
	if got.Owner != "juma.shamba" {
		t.Errorf("owner = %s, want juma.shamba", got.Owner)
	}
	if owner, _ := f.reg.Owner(ctx, prop.ID); owner != "juma.shamba" {
		t.Errorf("registry owner = %s, want juma.shamba", owner)
	}

	// The sibling refund was issued by the settlement callback.
	refund := f.req.last(t)
	if refund.Kind != transfer.KindSiblingRefund || refund.BidID != b2.ID {
		t.Fatalf("unexpected sibling refund %+v", refund)
	}
	f.callback(t, refund.Reference, transfer.OutcomeSuccess)

	if got := f.bidStatus(t, b2.ID); got != bid.StatusRejected {
		t.Errorf("sibling status = %s, want rejected", got)
	}
	if got := f.balance(t); got != "0.000000" {
		t.Errorf("ledger balance = %s, want 0.000000 after payout and refund", got)
	}
}

func TestAcceptBid_SettlementFailureCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "1000", bid.ActionPurchase)

	if err := f.market.AcceptBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	f.callback(t, f.req.last(t).Reference, transfer.OutcomeFailure)

	if got := f.bidStatus(t, b.ID); got != bid.StatusPending {
		t.Errorf("status = %s, want pending after compensation", got)
	}
	if got := f.balance(t); got != "1000.000000" {
		t.Errorf("balance = %s, want deposit restored", got)
	}

	got, _ := f.props.Get(ctx, prop.ID)
	if got.Sold != nil {
		t.Error("failed settlement must not record a sale")
	}
}

func TestAcceptBid_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "1000", bid.ActionPurchase)

	if err := f.market.AcceptBid(ctx, "juma.shamba", prop.ID, b.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner accept error = %v, want ErrNotOwner", err)
	}

	if err := f.market.AcceptBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}
	// Accepted bids cannot be accepted twice.
	if err := f.market.AcceptBid(ctx, "mary.shamba", prop.ID, b.ID); !errors.Is(err, ErrWrongStatus) && !errors.Is(err, ErrRefundInFlight) {
		t.Errorf("second accept error = %v, want wrong-status or in-flight", err)
	}
}

func TestAcceptBid_LeaseSettlesSynchronously(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "100", 30*24*time.Hour)
	b := f.place(t, prop, "juma.shamba", "100", bid.ActionLease)

	if err := f.market.AcceptBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatalf("AcceptBid() error = %v", err)
	}

	if got := f.bidStatus(t, b.ID); got != bid.StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	// The deposit stays in the ledger as lease escrow.
	if got := f.balance(t); got != "100.000000" {
		t.Errorf("balance = %s, want escrow retained", got)
	}
	if f.req.count() != 0 {
		t.Errorf("lease settlement issued %d transfers, want 0", f.req.count())
	}

	got, _ := f.props.Get(ctx, prop.ID)
	if got.ActiveLease == nil || got.ActiveLease.Tenant != "juma.shamba" {
		t.Fatalf("active lease = %+v, want tenant juma.shamba", got.ActiveLease)
	}
	if got.ActiveLease.EscrowHeld != "100" {
		t.Errorf("escrow held = %s, want 100", got.ActiveLease.EscrowHeld)
	}
	if owner, _ := f.reg.Owner(ctx, prop.ID); owner != "juma.shamba" {
		t.Errorf("registry owner = %s, want tenant", owner)
	}
	// Lease lock refuses further ownership transfers.
	if err := f.reg.TransferOwnership(ctx, "juma.shamba", "amina.shamba", prop.ID); !errors.Is(err, registry.ErrLeased) {
		t.Errorf("transfer during lease error = %v, want ErrLeased", err)
	}
}

func TestRejectAndCancelBid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)

	rejected := f.place(t, prop, "juma.shamba", "500", bid.ActionPurchase)
	cancelled := f.place(t, prop, "amina.shamba", "600", bid.ActionPurchase)

	// Wrong callers.
	if err := f.market.RejectBid(ctx, "juma.shamba", prop.ID, rejected.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("reject by bidder error = %v, want ErrNotOwner", err)
	}
	if err := f.market.CancelBid(ctx, "mary.shamba", prop.ID, cancelled.ID); !errors.Is(err, ErrNotBidder) {
		t.Errorf("cancel by owner error = %v, want ErrNotBidder", err)
	}

	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, rejected.ID); err != nil {
		t.Fatalf("RejectBid() error = %v", err)
	}
	// The bid stays pending until the refund lands; a second refund is
	// refused while one is in flight.
	if got := f.bidStatus(t, rejected.ID); got != bid.StatusPending {
		t.Errorf("status = %s, want pending while refund in flight", got)
	}
	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, rejected.ID); !errors.Is(err, ErrRefundInFlight) {
		t.Errorf("second reject error = %v, want ErrRefundInFlight", err)
	}

	f.callback(t, f.req.last(t).Reference, transfer.OutcomeSuccess)
	if got := f.bidStatus(t, rejected.ID); got != bid.StatusRejected {
		t.Errorf("status = %s, want rejected", got)
	}

	if err := f.market.CancelBid(ctx, "amina.shamba", prop.ID, cancelled.ID); err != nil {
		t.Fatalf("CancelBid() error = %v", err)
	}
	f.callback(t, f.req.last(t).Reference, transfer.OutcomeSuccess)
	if got := f.bidStatus(t, cancelled.ID); got != bid.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got)
	}

	if got := f.balance(t); got != "0.000000" {
		t.Errorf("balance = %s, want 0 after both refunds", got)
	}
}

func TestRefundFailureRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "500", bid.ActionPurchase)

	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatalf("RejectBid() error = %v", err)
	}
	f.callback(t, f.req.last(t).Reference, transfer.OutcomeFailure)

	if got := f.bidStatus(t, b.ID); got != bid.StatusPending {
		t.Errorf("status = %s, want still pending", got)
	}
	if got := f.balance(t); got != "500.000000" {
		t.Errorf("balance = %s, want deposit restored", got)
	}
}

func TestCallback_ConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "500", bid.ActionPurchase)

	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	ref := f.req.last(t).Reference
	f.callback(t, ref, transfer.OutcomeSuccess)

	// A replayed callback finds nothing to act on.
	err := f.market.HandleTransferResult(ctx, &transfer.Result{
		Reference: ref,
		Outcome:   transfer.OutcomeFailure,
	})
	if !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("replay error = %v, want transfer.ErrNotFound", err)
	}
	if got := f.balance(t); got != "0.000000" {
		t.Errorf("replay changed the balance: %s", got)
	}
}

func TestRequestFailureRollsBackImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "500", bid.ActionPurchase)

	f.req.err = errors.New("transfer service down")
	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, b.ID); err == nil {
		t.Fatal("RejectBid() succeeded despite request failure")
	}

	if got := f.balance(t); got != "500.000000" {
		t.Errorf("balance = %s, want debit rolled back", got)
	}
	// Nothing in flight, so a retry is allowed once the service is back.
	f.req.err = nil
	if err := f.market.RejectBid(ctx, "mary.shamba", prop.ID, b.ID); err != nil {
		t.Fatalf("retry error = %v", err)
	}
}

func TestLockedPairRejectsSecondSaga(t *testing.T) {
	f := newFixture(t)
	prop := f.mint(t, "mary.shamba", "1000", 0)
	b := f.place(t, prop, "juma.shamba", "500", bid.ActionPurchase)

	release, err := f.market.lockPair(prop.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if err := f.market.AcceptBid(context.Background(), "mary.shamba", prop.ID, b.ID); err == nil {
		t.Fatal("AcceptBid() on a locked pair succeeded")
	}
}

// A dispatch that fails after the record was consumed must put the
// record back; otherwise the service's retry is told the callback is
// a duplicate while the debit stands.
func TestCallback_DispatchErrorRestoresPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A record whose property is gone makes the dispatch fail.
	p := &transfer.Pending{
		Reference:  "tr_orphan",
		Kind:       transfer.KindSettle,
		PropertyID: 404,
		BidID:      99,
		Token:      kes,
		Recipient:  "mary.shamba",
		Amount:     "10",
	}
	if err := f.pending.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	res := &transfer.Result{Reference: "tr_orphan", Outcome: transfer.OutcomeSuccess}
	err := f.market.HandleTransferResult(ctx, res)
	if err == nil || errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("HandleTransferResult() error = %v, want dispatch failure", err)
	}

	// The retry finds the restored record instead of ErrNotFound.
	if err := f.market.HandleTransferResult(ctx, res); errors.Is(err, transfer.ErrNotFound) {
		t.Fatal("pending record was not restored after the failed dispatch")
	}
}
