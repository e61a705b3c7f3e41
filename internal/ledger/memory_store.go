package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mabena/shamba/internal/idgen"
	"github.com/mabena/shamba/internal/pagination"
	"github.com/mabena/shamba/internal/token"
)

// maxTracked caps a single token-kind balance. Anything above this is
// treated as an overflow bug rather than a plausible holding.
var maxTracked, _ = token.Parse("999999999999.000000")

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[token.Kind]*big.Int
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[token.Kind]*big.Int),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, kind token.Kind) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[kind]; ok {
		return token.Format(bal), nil
	}
	return "0.000000", nil
}

func (m *MemoryStore) Balances(ctx context.Context) (map[token.Kind]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[token.Kind]string, len(m.balances))
	for kind, bal := range m.balances {
		out[kind] = token.Format(bal)
	}
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	add, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	bal, exists := m.balances[kind]
	if !exists {
		bal = big.NewInt(0)
		m.balances[kind] = bal
	}

	next := new(big.Int).Add(bal, add)
	if next.Cmp(maxTracked) > 0 {
		LedgerInvariantViolations.Inc()
		return ErrInvariantViolation
	}
	bal.Set(next)
	m.appendEntry(kind, "credit", amount, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := token.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	bal, exists := m.balances[kind]
	if !exists || bal.Cmp(sub) < 0 {
		LedgerInvariantViolations.Inc()
		return ErrInvariantViolation
	}

	bal.Sub(bal, sub)
	m.appendEntry(kind, "debit", amount, reference, description)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, kind token.Kind, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.Token != kind {
			continue
		}
		if before != nil {
			// Keyset position: (created_at, id) strictly before the cursor.
			if e.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(before.CreatedAt) && e.ID >= before.ID {
				continue
			}
		}
		result = append(result, e)
	}
	return result, nil
}

// appendEntry records a movement. Callers must hold m.mu.
func (m *MemoryStore) appendEntry(kind token.Kind, typ, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		Token:       kind,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}
