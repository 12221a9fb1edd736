// Package memory provides an in-memory localstate.Adapter used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"sync"

	"estatecrm/internal/localstate"
)

// Compile-time contract assertion.
var _ localstate.Adapter = (*Store)(nil)

// Store keeps the last saved snapshot in process memory.
type Store struct {
	mu       sync.RWMutex
	state    localstate.State
	capacity int64
	saves    int
}

// NewStore constructs an in-memory adapter. A non-positive capacity disables the quota.
func NewStore(capacity int64) *Store {
	return &Store{capacity: capacity}
}

// Driver returns the persistence driver identifier.
func (s *Store) Driver() localstate.Driver { return localstate.DriverMemory }

// Save replaces the stored snapshot.
func (s *Store) Save(_ context.Context, state localstate.State) error {
	if err := localstate.CheckQuota(state, s.capacity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	s.saves++
	return nil
}

// Load returns the stored snapshot, or false when nothing was saved yet.
func (s *Store) Load(context.Context) (localstate.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, false, nil
	}
	return s.state.Clone(), true, nil
}

// Usage reports the size of the stored snapshot.
func (s *Store) Usage() localstate.Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return localstate.ComputeUsage(s.state, s.capacity)
}

// Saves returns how many snapshots were accepted.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
