package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mabena/shamba/internal/metrics"
)

// MemoryStore is an in-memory pending-transfer store for
// demo/development mode.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewMemoryStore creates a new in-memory pending-transfer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]*Pending)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Pending) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	m.pending[p.Reference] = &cp
	metrics.PendingTransfers.Set(float64(len(m.pending)))
	return nil
}

func (m *MemoryStore) Consume(ctx context.Context, reference string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[reference]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.pending, reference)
	metrics.PendingTransfers.Set(float64(len(m.pending)))
	return p, nil
}

func (m *MemoryStore) HasForBid(ctx context.Context, bidID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.pending {
		if p.BidID == bidID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Pending, 0, len(m.pending))
	for _, p := range m.pending {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
