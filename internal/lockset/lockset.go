// Package lockset provides a non-blocking set of held keys, used to
// reject re-entrant saga operations on the same property or bid
// instead of queueing them.
package lockset

import (
	"errors"
	"strings"
	"sync"
)

// ErrHeld is returned when the requested key is already acquired.
var ErrHeld = errors.New("lockset: key already held")

// LockSet tracks held keys. Acquisition never blocks: a second caller
// for the same key fails immediately and must retry later.
type LockSet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty LockSet.
func New() *LockSet {
	return &LockSet{held: make(map[string]struct{})}
}

// Key builds a lock key from its parts (property ID, optional bid ID).
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}

// Acquire takes the key and returns a release function. If the key is
// already held it returns ErrHeld without waiting.
func (s *LockSet) Acquire(key string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.held[key]; ok {
		return nil, ErrHeld
	}
	s.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, nil
}

// Held reports whether the key is currently acquired.
func (s *LockSet) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}
