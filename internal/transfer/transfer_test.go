package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mabena/shamba/internal/token"
)

func testPending(ref string, bidID int64) *Pending {
	return &Pending{
		Reference:  ref,
		Kind:       KindSettle,
		PropertyID: 1,
		BidID:      bidID,
		Token:      token.Kind("tkn.kes.test"),
		Recipient:  "juma.shamba",
		Amount:     "1000.000000",
	}
}

func TestConsumeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, testPending("tr_1", 5)); err != nil {
		t.Fatal(err)
	}

	p, err := s.Consume(ctx, "tr_1")
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if p.BidID != 5 || p.Kind != KindSettle {
		t.Errorf("unexpected pending record: %+v", p)
	}

	if _, err := s.Consume(ctx, "tr_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second consume must return ErrNotFound, got %v", err)
	}
}

func TestConsumeUnknownReference(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Consume(context.Background(), "tr_nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHasForBid(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Create(ctx, testPending("tr_1", 5))

	if ok, _ := s.HasForBid(ctx, 5); !ok {
		t.Error("expected pending transfer for bid 5")
	}
	if ok, _ := s.HasForBid(ctx, 6); ok {
		t.Error("no pending transfer should exist for bid 6")
	}

	s.Consume(ctx, "tr_1")
	if ok, _ := s.HasForBid(ctx, 5); ok {
		t.Error("consumed transfer should no longer block the bid")
	}
}

func TestHTTPRequester_PostsAndSigns(t *testing.T) {
	var gotPath, gotSig string
	var gotBody requestBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSig = r.Header.Get("X-Shamba-Signature")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := NewHTTPRequester(srv.URL, "https://market.example/v1/transfers/callback", "secret")
	if err := req.Request(context.Background(), testPending("tr_1", 5)); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if gotPath != "/v1/transfers" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotSig == "" {
		t.Error("expected signed request")
	}
	if gotBody.Reference != "tr_1" || gotBody.Amount != "1000.000000" {
		t.Errorf("unexpected body: %+v", gotBody)
	}
	if gotBody.CallbackURL != "https://market.example/v1/transfers/callback" {
		t.Errorf("callback URL not forwarded: %s", gotBody.CallbackURL)
	}
}

func TestHTTPRequester_RejectsNon2xx(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	req := NewHTTPRequester(srv.URL, "", "")
	if err := req.Request(context.Background(), testPending("tr_1", 5)); err == nil {
		t.Error("expected error for 422 response")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls)
	}
}

func TestHTTPRequester_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := NewHTTPRequester(srv.URL, "", "")
	if err := req.Request(context.Background(), testPending("tr_1", 5)); err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"reference":"tr_1","outcome":"success"}`)
	sig := sign(payload, "secret")

	if !VerifySignature(payload, sig, "secret") {
		t.Error("valid signature should verify")
	}
	if VerifySignature(payload, "bad", "secret") {
		t.Error("invalid signature should fail")
	}
	if !VerifySignature(payload, "", "") {
		t.Error("empty secret disables verification")
	}
}
