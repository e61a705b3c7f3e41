package transfer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mabena/shamba/internal/retry"
)

// HTTPRequester issues transfer requests to the external token service
// over HTTP. The service acknowledges receipt synchronously and reports
// the outcome later by POSTing the Result to our callback endpoint.
type HTTPRequester struct {
	baseURL     string
	callbackURL string
	secret      string
	client      *http.Client
}

// NewHTTPRequester creates a requester for the given transfer service.
// secret, when set, signs request bodies so the service can verify us.
func NewHTTPRequester(baseURL, callbackURL, secret string) *HTTPRequester {
	return &HTTPRequester{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		secret:      secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type requestBody struct {
	Reference   string `json:"reference"`
	Token       string `json:"token"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	CallbackURL string `json:"callbackUrl"`
}

// Request hands the transfer to the service. A nil return means the
// service accepted the request, nothing more; the outcome arrives at
// the callback endpoint. Transient failures are retried; a 4xx from
// the service is not.
func (r *HTTPRequester) Request(ctx context.Context, p *Pending) error {
	payload, err := json.Marshal(requestBody{
		Reference:   p.Reference,
		Token:       string(p.Token),
		Recipient:   p.Recipient,
		Amount:      p.Amount,
		CallbackURL: r.callbackURL,
	})
	if err != nil {
		return fmt.Errorf("marshal transfer request: %w", err)
	}

	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/v1/transfers", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create transfer request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if r.secret != "" {
			req.Header.Set("X-Shamba-Signature", sign(payload, r.secret))
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("issue transfer %s: %w", p.Reference, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The reference is idempotent on the service side, so a
			// 4xx will not change on retry.
			return retry.Permanent(fmt.Errorf("transfer service rejected %s: status %d", p.Reference, resp.StatusCode))
		default:
			return fmt.Errorf("transfer service unavailable for %s: status %d", p.Reference, resp.StatusCode)
		}
	})
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an inbound callback signature against the
// shared secret. Empty secret disables verification (demo mode).
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	expected := sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
