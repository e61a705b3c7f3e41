package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mabena/shamba/internal/config"
	"github.com/mabena/shamba/internal/transfer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// captureRequester records transfer requests without issuing them, so
// tests drive outcomes through the callback endpoint.
type captureRequester struct {
	mu       sync.Mutex
	requests []*transfer.Pending
}

func (r *captureRequester) Request(_ context.Context, p *transfer.Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.requests = append(r.requests, &cp)
	return nil
}

func (r *captureRequester) last(t *testing.T) *transfer.Pending {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		t.Fatal("no transfer requests captured")
	}
	return r.requests[len(r.requests)-1]
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		AcceptedTokens:      []string{"tkn.kes.test"},
		BidExpiry:           24 * time.Hour,
		LostBidClaimDelay:   time.Hour,
		EscrowReleaseDelay:  72 * time.Hour,
		LeaseSweepInterval:  time.Minute,
		TimeoutSweepBudget:  10,
		SiblingRefundBudget: 10,
	}
}

// newTestServer creates an in-memory server with a capture requester
func newTestServer(t *testing.T) (*Server, *captureRequester) {
	t.Helper()
	req := &captureRequester{}
	s, err := New(testConfig(), WithRequester(req))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, req
}

func do(s *Server, method, path, apiKey, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// registerAccount creates an account and returns its API key
func registerAccount(t *testing.T, s *Server, account string) string {
	t.Helper()
	w := do(s, "POST", "/v1/auth/register", "", fmt.Sprintf(`{"account":%q}`, account))
	if w.Code != http.StatusCreated {
		t.Fatalf("Registration failed: %d %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	key, _ := resp["api_key"].(string)
	if key == "" {
		t.Fatal("Expected api_key in registration response")
	}
	return key
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := parseJSON(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	checks, _ := resp["checks"].(map[string]interface{})
	if checks["database"] != "healthy" {
		t.Errorf("Expected healthy database check, got %v", checks["database"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/health/ready", "", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestMarketRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	expected := map[string]bool{
		"GET:/v1/properties":                                 false,
		"GET:/v1/properties/:id":                             false,
		"GET:/v1/properties/:id/bids":                        false,
		"POST:/v1/properties":                                false,
		"POST:/v1/properties/:id/bids/:bidId/accept":         false,
		"POST:/v1/properties/:id/bids/:bidId/reject":         false,
		"POST:/v1/properties/:id/bids/:bidId/timeout-refund": false,
		"POST:/v1/properties/:id/bids/:bidId/escrow/release": false,
		"POST:/v1/properties/:id/bids/:bidId/dispute":        false,
		"POST:/v1/leases/:leaseId/expire":                    false,
		"POST:/v1/transfers/deposit":                         false,
		"POST:/v1/transfers/callback":                        false,
		"POST:/v1/admin/withdrawals":                         false,
		"POST:/v1/admin/disputes/leases/:leaseId/resolve":    false,
		"GET:/v1/ledger/balances":                            false,
	}

	for _, route := range s.router.Routes() {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Route %s not registered", route)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration and auth tests
// ---------------------------------------------------------------------------

func TestAccountRegistration(t *testing.T) {
	s, _ := newTestServer(t)
	key := registerAccount(t, s, "owner-1")
	if !strings.HasPrefix(key, "sk_") {
		t.Errorf("Expected sk_ key prefix, got %q", key)
	}
}

func TestAccountRegistrationRejectsBadAccount(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, "POST", "/v1/auth/register", "", `{"account":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for short account, got %d", w.Code)
	}
}

func TestProtectedRouteRequiresKey(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(s, "POST", "/v1/properties", "", `{"price":"100"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Full bid lifecycle over HTTP
// ---------------------------------------------------------------------------

func TestBidLifecycleOverHTTP(t *testing.T) {
	s, req := newTestServer(t)

	ownerKey := registerAccount(t, s, "owner-1")

	// Mint a listing
	w := do(s, "POST", "/v1/properties", ownerKey,
		`{"description":"3br house","price":"500","escrow_token":"tkn.kes.test"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Mint failed: %d %s", w.Code, w.Body.String())
	}
	prop := parseJSON(t, w)["property"].(map[string]interface{})
	propID := int64(prop["id"].(float64))

	// Bidder's deposit arrives through the webhook
	deposit := fmt.Sprintf(
		`{"sender":"bidder-1","amount":"500","message":{"property_id":%d,"action":"purchase","token":"tkn.kes.test"}}`,
		propID)
	w = do(s, "POST", "/v1/transfers/deposit", "", deposit)
	if w.Code != http.StatusCreated {
		t.Fatalf("Deposit failed: %d %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	if resp["refund"] != "0" {
		t.Fatalf("Expected refund 0, got %v", resp["refund"])
	}
	bidID := int64(resp["bid"].(map[string]interface{})["id"].(float64))

	// Owner accepts; the seller payout goes out
	w = do(s, "POST", fmt.Sprintf("/v1/properties/%d/bids/%d/accept", propID, bidID), ownerKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Accept failed: %d %s", w.Code, w.Body.String())
	}
	payout := req.last(t)
	if payout.Kind != transfer.KindSettle {
		t.Fatalf("Expected settle transfer, got %s", payout.Kind)
	}
	if payout.Recipient != "owner-1" {
		t.Errorf("Expected payout to owner-1, got %s", payout.Recipient)
	}

	// Transfer service reports success
	cb := fmt.Sprintf(`{"reference":%q,"outcome":"success"}`, payout.Reference)
	w = do(s, "POST", "/v1/transfers/callback", "", cb)
	if w.Code != http.StatusOK {
		t.Fatalf("Callback failed: %d %s", w.Code, w.Body.String())
	}

	// Bid is settled
	w = do(s, "GET", fmt.Sprintf("/v1/bids/%d", bidID), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Get bid failed: %d %s", w.Code, w.Body.String())
	}
	b := parseJSON(t, w)["bid"].(map[string]interface{})
	if b["status"] != "completed" {
		t.Errorf("Expected completed bid, got %v", b["status"])
	}

	// Replayed callback finds nothing to do
	w = do(s, "POST", "/v1/transfers/callback", "", cb)
	if w.Code != http.StatusOK {
		t.Fatalf("Replayed callback: %d %s", w.Code, w.Body.String())
	}
	if parseJSON(t, w)["status"] != "ignored" {
		t.Errorf("Expected replay to be ignored, got %s", w.Body.String())
	}
}

func TestAcceptByOutsiderForbidden(t *testing.T) {
	s, _ := newTestServer(t)

	ownerKey := registerAccount(t, s, "owner-1")
	strangerKey := registerAccount(t, s, "stranger-9")

	w := do(s, "POST", "/v1/properties", ownerKey,
		`{"description":"plot","price":"100","escrow_token":"tkn.kes.test"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Mint failed: %d %s", w.Code, w.Body.String())
	}
	prop := parseJSON(t, w)["property"].(map[string]interface{})
	propID := int64(prop["id"].(float64))

	deposit := fmt.Sprintf(
		`{"sender":"bidder-1","amount":"100","message":{"property_id":%d,"action":"purchase","token":"tkn.kes.test"}}`,
		propID)
	w = do(s, "POST", "/v1/transfers/deposit", "", deposit)
	if w.Code != http.StatusCreated {
		t.Fatalf("Deposit failed: %d %s", w.Code, w.Body.String())
	}
	bidID := int64(parseJSON(t, w)["bid"].(map[string]interface{})["id"].(float64))

	w = do(s, "POST", fmt.Sprintf("/v1/properties/%d/bids/%d/accept", propID, bidID), strangerKey, "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner accept, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(s, "GET", "/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
