// Package token provides shared amount parsing/formatting and the
// registry of token kinds the marketplace accepts as payment.
//
// All accepted tokens use 6 decimal places. Amounts are stored as
// big.Int in the smallest unit (1 token = 1,000,000 units) and carried
// across APIs as decimal strings.
package token

import (
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
)

const Decimals = 6

var ErrUnsupportedToken = errors.New("token: kind not accepted")

// Kind identifies an external fungible-token ledger (e.g. "usdc.mainnet").
type Kind string

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Registry holds the set of token kinds accepted for bids and escrow.
// Kinds are added by the platform owner and removed only when the
// ledger no longer holds any balance in them.
type Registry struct {
	mu    sync.RWMutex
	kinds map[Kind]struct{}
}

// NewRegistry creates a registry pre-populated with the given kinds.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[Kind]struct{})}
	for _, k := range kinds {
		r.kinds[normalize(k)] = struct{}{}
	}
	return r
}

// Accepted reports whether the kind is accepted for payment.
func (r *Registry) Accepted(k Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[normalize(k)]
	return ok
}

// Add registers a new accepted kind. Adding an existing kind is a no-op.
func (r *Registry) Add(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[normalize(k)] = struct{}{}
}

// Remove deregisters a kind. Callers must first check the ledger holds
// no balance in it.
func (r *Registry) Remove(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.kinds, normalize(k))
}

// List returns the accepted kinds in sorted order.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalize(k Kind) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(string(k))))
}
