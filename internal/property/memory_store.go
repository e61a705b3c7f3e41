package property

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory property store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	properties map[int64]*Property
	leases     map[int64]*Lease
	nextPropID int64
	nextLease  int64
}

// NewMemoryStore creates a new in-memory property store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties: make(map[int64]*Property),
		leases:     make(map[int64]*Lease),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPropID++
	p.ID = m.nextPropID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.properties[p.ID] = cloneProperty(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.properties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProperty(p), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.properties[p.ID]; !ok {
		return ErrNotFound
	}
	m.properties[p.ID] = cloneProperty(p)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.properties[id]; !ok {
		return ErrNotFound
	}
	delete(m.properties, id)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, forSaleOnly bool) ([]*Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Property
	for _, p := range m.properties {
		if forSaleOnly && !p.IsForSale {
			continue
		}
		out = append(out, cloneProperty(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateLease(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLease++
	l.ID = m.nextLease
	m.leases[l.ID] = cloneLease(l)
	return nil
}

func (m *MemoryStore) GetLease(ctx context.Context, id int64) (*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leases[id]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	return cloneLease(l), nil
}

func (m *MemoryStore) UpdateLease(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.leases[l.ID]; !ok {
		return ErrLeaseNotFound
	}
	m.leases[l.ID] = cloneLease(l)

	// Keep the embedded copy on the property in step.
	if p, ok := m.properties[l.PropertyID]; ok && p.ActiveLease != nil && p.ActiveLease.ID == l.ID {
		if l.Active {
			p.ActiveLease = cloneLease(l)
		} else {
			p.ActiveLease = nil
		}
	}
	return nil
}

func (m *MemoryStore) ExpiredLeases(ctx context.Context, now time.Time, afterID int64, limit int) ([]*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Lease
	for _, l := range m.leases {
		if l.Active && l.ID > afterID && l.Expired(now) {
			out = append(out, cloneLease(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveLeases(ctx context.Context) ([]*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Lease
	for _, l := range m.leases {
		if l.Active {
			out = append(out, cloneLease(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) LeasesWithOpenDisputes(ctx context.Context) ([]*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Lease
	for _, l := range m.leases {
		if l.Active && l.DisputeStatus == DisputeRaised {
			out = append(out, cloneLease(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneProperty(p *Property) *Property {
	cp := *p
	if p.ActiveLease != nil {
		cp.ActiveLease = cloneLease(p.ActiveLease)
	}
	if p.Sold != nil {
		s := *p.Sold
		cp.Sold = &s
	}
	return &cp
}

func cloneLease(l *Lease) *Lease {
	cl := *l
	if l.Dispute != nil {
		d := *l.Dispute
		cl.Dispute = &d
	}
	return &cl
}
