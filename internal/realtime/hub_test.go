package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventBidPlaced, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventBidPlaced, EventBidAccepted},
	}}

	txEvent := &Event{Type: EventBidPlaced}
	joinedEvent := &Event{Type: EventBidAccepted}
	expiryEvent := &Event{Type: EventLeaseExpired}

	if !h.shouldSend(client, txEvent) {
		t.Error("Should receive bid_placed events")
	}
	if !h.shouldSend(client, joinedEvent) {
		t.Error("Should receive bid_accepted events")
	}
	if h.shouldSend(client, expiryEvent) {
		t.Error("Should NOT receive lease_expired events")
	}
}

func TestShouldSend_AccountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Accounts: []string{"mary.shamba"},
	}}

	matching := &Event{
		Type: EventBidPlaced,
		Data: map[string]interface{}{"buyer": "mary.shamba", "seller": "juma.shamba"},
	}
	notMatching := &Event{
		Type: EventBidPlaced,
		Data: map[string]interface{}{"buyer": "amina.shamba", "seller": "juma.shamba"},
	}
	matchingSeller := &Event{
		Type: EventBidPlaced,
		Data: map[string]interface{}{"buyer": "amina.shamba", "seller": "mary.shamba"},
	}
	if !h.shouldSend(client, matching) {
		t.Error("Should match on buyer")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated accounts")
	}
	if !h.shouldSend(client, matchingSeller) {
		t.Error("Should match on seller")
	}
}

func TestShouldSend_MinAmountFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinAmount: 10.0,
	}}

	large := &Event{
		Type: EventBidPlaced,
		Data: map[string]interface{}{"amount": 15.0},
	}
	small := &Event{
		Type: EventBidPlaced,
		Data: map[string]interface{}{"amount": 5.0},
	}
	expiry := &Event{
		Type: EventLeaseExpired,
		Data: map[string]interface{}{"propertyId": 7.0},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large bid")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small bid")
	}
	if !h.shouldSend(client, expiry) {
		t.Error("MinAmount filter should pass events without an amount")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventBidPlaced}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Accounts: []string{"mary.shamba"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventLeaseExpired,
		Data: "string data not a map",
	}

	// Account filter skips non-map data (can't extract accounts), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when account filter can't extract accounts")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventBidPlaced, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventBidPlaced,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "5.00"},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastBidEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastBidEvent(EventBidPlaced, map[string]interface{}{
		"buyer": "mary.shamba", "seller": "juma.shamba", "amount": "1.00",
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants lease expiries
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventLeaseExpired}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a bid_placed event (should be filtered out)
	h.Broadcast(&Event{Type: EventBidPlaced, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive bid_placed event")
	default:
		// Good - filtered out
	}

	// Send a lease_expired event (should be received)
	h.Broadcast(&Event{Type: EventLeaseExpired, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive lease_expired event")
	}
}
