package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mabena/shamba/internal/circuitbreaker"
)

// ErrUnavailable is returned when the registry circuit is open.
var ErrUnavailable = errors.New("registry: service unavailable")

const breakerKey = "registry"

// HTTPClient talks to an external registry service. Error responses
// map back to the package sentinels by their error code. Repeated
// transport failures trip a circuit breaker so sagas fail fast instead
// of stacking up timeouts against a dead registry.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPClient creates a client for the registry at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

type registerBody struct {
	ItemID int64  `json:"itemId"`
	Owner  string `json:"owner"`
}

type transferBody struct {
	ItemID int64  `json:"itemId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type leaseBody struct {
	ItemID int64 `json:"itemId"`
	Leased bool  `json:"leased"`
}

type ownerResponse struct {
	Owner string `json:"owner"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *HTTPClient) Register(ctx context.Context, itemID int64, owner string) error {
	return c.post(ctx, "/v1/items", registerBody{ItemID: itemID, Owner: owner})
}

func (c *HTTPClient) Owner(ctx context.Context, itemID int64) (string, error) {
	if !c.breaker.Allow(breakerKey) {
		return "", ErrUnavailable
	}

	url := fmt.Sprintf("%s/v1/items/%d/owner", c.baseURL, itemID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create registry request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("query registry owner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Domain outcome, not a service failure.
		c.breaker.RecordSuccess(breakerKey)
		return "", ErrItemNotFound
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure(breakerKey)
		return "", fmt.Errorf("registry owner query: status %d", resp.StatusCode)
	}
	c.breaker.RecordSuccess(breakerKey)

	var body ownerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode registry response: %w", err)
	}
	return body.Owner, nil
}

func (c *HTTPClient) TransferOwnership(ctx context.Context, from, to string, itemID int64) error {
	return c.post(ctx, "/v1/transfers", transferBody{ItemID: itemID, From: from, To: to})
}

func (c *HTTPClient) SetLeased(ctx context.Context, itemID int64, leased bool) error {
	return c.post(ctx, "/v1/leases", leaseBody{ItemID: itemID, Leased: leased})
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	if !c.breaker.Allow(breakerKey) {
		return ErrUnavailable
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal registry request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("call registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.RecordSuccess(breakerKey)
		return nil
	}

	var errBody errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	switch errBody.Error {
	case "item_not_found":
		c.breaker.RecordSuccess(breakerKey)
		return ErrItemNotFound
	case "not_owner":
		c.breaker.RecordSuccess(breakerKey)
		return ErrNotOwner
	case "leased":
		c.breaker.RecordSuccess(breakerKey)
		return ErrLeased
	}
	c.breaker.RecordFailure(breakerKey)
	return fmt.Errorf("registry request %s: status %d", path, resp.StatusCode)
}
