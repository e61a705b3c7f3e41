package registry

import (
	"context"
	"sync"
)

type item struct {
	owner  string
	leased bool
}

// Local is an in-process registry for demo/development mode and tests.
type Local struct {
	mu    sync.RWMutex
	items map[int64]*item
}

// NewLocal creates an empty in-process registry.
func NewLocal() *Local {
	return &Local{items: make(map[int64]*item)}
}

func (l *Local) Register(ctx context.Context, itemID int64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[itemID] = &item{owner: owner}
	return nil
}

func (l *Local) Owner(ctx context.Context, itemID int64) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	it, ok := l.items[itemID]
	if !ok {
		return "", ErrItemNotFound
	}
	return it.owner, nil
}

func (l *Local) TransferOwnership(ctx context.Context, from, to string, itemID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if it.leased {
		return ErrLeased
	}
	if it.owner != from {
		return ErrNotOwner
	}
	it.owner = to
	return nil
}

func (l *Local) SetLeased(ctx context.Context, itemID int64, leased bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	it, ok := l.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	it.leased = leased
	return nil
}
