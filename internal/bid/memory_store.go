package bid

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory bid store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	bids   map[int64]*Bid
	nextID int64
}

// NewMemoryStore creates a new in-memory bid store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bids: make(map[int64]*Bid)}
}

func (m *MemoryStore) Create(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	b.ID = m.nextID
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	m.bids[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(b), nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bids[b.ID]; !ok {
		return ErrNotFound
	}
	m.bids[b.ID] = clone(b)
	return nil
}

func (m *MemoryStore) ListByProperty(ctx context.Context, propertyID int64) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Bid
	for _, b := range m.bids {
		if b.PropertyID == propertyID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) LiveByProperty(ctx context.Context, propertyID, afterID int64, limit int) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Bid
	for _, b := range m.bids {
		if b.PropertyID == propertyID && b.ID > afterID && !b.Status.Terminal() {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) StaleBids(ctx context.Context, statuses []Status, cutoff time.Time, afterID int64, limit int) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}

	var out []*Bid
	for _, b := range m.bids {
		if b.ID > afterID && match[b.Status] && !b.UpdatedAt.After(cutoff) {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(b *Bid) *Bid {
	cb := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cb.ExpiresAt = &t
	}
	return &cb
}
