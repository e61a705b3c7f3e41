package bid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mabena/shamba/internal/token"
)

func testBid(propertyID int64) *Bid {
	return &Bid{
		PropertyID: propertyID,
		Bidder:     "mary.shamba",
		Amount:     "1000.000000",
		Action:     ActionPurchase,
		Token:      token.Kind("tkn.kes.test"),
		Status:     StatusPending,
	}
}

func TestTransitions_HappyPaths(t *testing.T) {
	directSettlement := []Status{StatusAccepted, StatusCompleted}
	escrowFlow := []Status{StatusAccepted, StatusDocsReleased, StatusDocsConfirmed, StatusPaymentReleased, StatusCompleted}

	for name, path := range map[string][]Status{
		"direct": directSettlement,
		"escrow": escrowFlow,
	} {
		b := testBid(1)
		for _, next := range path {
			if err := b.Transition(next); err != nil {
				t.Fatalf("%s: %s -> %s should be allowed: %v", name, b.Status, next, err)
			}
		}
		if !b.Status.Terminal() {
			t.Errorf("%s: expected terminal status, got %s", name, b.Status)
		}
	}
}

func TestTransitions_Rejected(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusDocsReleased},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusAccepted},
		{StatusDocsConfirmed, StatusCancelled}, // no timeout refund once docs confirmed
		{StatusRejected, StatusPending},
		{StatusDisputed, StatusCompleted},
	}
	for _, tc := range cases {
		b := testBid(1)
		b.Status = tc.from
		if err := b.Transition(tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s should be rejected, got %v", tc.from, tc.to, err)
		}
	}
}

func TestTransitions_Compensation(t *testing.T) {
	// Failed settlement reverts accepted to pending.
	b := testBid(1)
	b.Status = StatusAccepted
	if err := b.Transition(StatusPending); err != nil {
		t.Errorf("settlement compensation accepted -> pending should be allowed: %v", err)
	}
}

func TestTransitions_TimeoutRefund(t *testing.T) {
	for _, from := range []Status{StatusAccepted, StatusDocsReleased} {
		b := testBid(1)
		b.Status = from
		if err := b.Transition(StatusCancelled); err != nil {
			t.Errorf("timeout refund %s -> cancelled should be allowed: %v", from, err)
		}
	}
}

func TestTransitions_Dispute(t *testing.T) {
	for _, from := range []Status{StatusAccepted, StatusDocsReleased, StatusDocsConfirmed} {
		b := testBid(1)
		b.Status = from
		if err := b.Transition(StatusDisputed); err != nil {
			t.Errorf("%s -> disputed should be allowed: %v", from, err)
		}
	}
	b := testBid(1)
	if err := b.Transition(StatusDisputed); !errors.Is(err, ErrInvalidTransition) {
		t.Error("pending bids cannot be disputed, they can be cancelled")
	}
}

func TestStore_CreateAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	b1, b2 := testBid(1), testBid(1)
	s.Create(ctx, b1)
	s.Create(ctx, b2)
	if b1.ID == 0 || b2.ID <= b1.ID {
		t.Errorf("expected monotonic IDs, got %d then %d", b1.ID, b2.ID)
	}
}

func TestStore_ListByPropertyOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		s.Create(ctx, testBid(7))
	}
	s.Create(ctx, testBid(8))

	bids, err := s.ListByProperty(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(bids))
	}
	for i := 1; i < len(bids); i++ {
		if bids[i].ID <= bids[i-1].ID {
			t.Error("bids should be ordered by id ascending")
		}
	}
}

func TestStore_LiveByPropertySkipsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	live := testBid(7)
	s.Create(ctx, live)

	done := testBid(7)
	done.Status = StatusRejected
	s.Create(ctx, done)

	bids, err := s.LiveByProperty(ctx, 7, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 1 || bids[0].ID != live.ID {
		t.Errorf("expected only the live bid, got %+v", bids)
	}
}

func TestStore_LiveByPropertyCursorAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var ids []int64
	for i := 0; i < 5; i++ {
		b := testBid(7)
		s.Create(ctx, b)
		ids = append(ids, b.ID)
	}

	first, _ := s.LiveByProperty(ctx, 7, 0, 2)
	if len(first) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(first))
	}
	rest, _ := s.LiveByProperty(ctx, 7, first[1].ID, 0)
	if len(rest) != 3 {
		t.Errorf("expected 3 remaining bids, got %d", len(rest))
	}
	if rest[0].ID != ids[2] {
		t.Errorf("cursor should resume after the last processed id")
	}
}

func TestStore_StaleBids(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	stale := testBid(1)
	stale.Status = StatusAccepted
	stale.UpdatedAt = now.Add(-48 * time.Hour)
	s.Create(ctx, stale)

	fresh := testBid(1)
	fresh.Status = StatusAccepted
	fresh.UpdatedAt = now
	s.Create(ctx, fresh)

	wrongStatus := testBid(1)
	wrongStatus.UpdatedAt = now.Add(-48 * time.Hour)
	s.Create(ctx, wrongStatus) // still pending

	got, err := s.StaleBids(ctx, []Status{StatusAccepted, StatusDocsReleased}, now.Add(-24*time.Hour), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Errorf("expected only the stale accepted bid, got %+v", got)
	}
}

func TestRefunded(t *testing.T) {
	b := testBid(1)
	if b.Refunded() {
		t.Error("new bid should not be refunded")
	}
	b.RefundRef = "tr_abc"
	if !b.Refunded() {
		t.Error("bid with a refund reference is refunded")
	}
}
