// Package localstate defines the durable local snapshot contract used by the
// store to survive restarts independently of network state.
package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// StateKey is the fixed storage key the snapshot lives under.
const StateKey = "estatecrm_state"

// DefaultCapacity mirrors the small fixed ceiling of browser-style local storage.
const DefaultCapacity int64 = 5 << 20

// NearCapacityRatio is the usage fraction at which callers should warn the user.
const NearCapacityRatio = 0.8

// Driver identifies a concrete local persistence implementation.
type Driver string

const (
	DriverMemory Driver = "memory" // in-memory only (tests / ephemeral)
	DriverSQLite Driver = "sqlite" // embedded sqlite file
	DriverBadger Driver = "badger" // embedded badger key-value directory
)

// ErrQuotaExceeded is returned by Save when the state does not fit the capacity.
// The previous snapshot is left untouched.
var ErrQuotaExceeded = errors.New("localstate: quota exceeded")

// State is the serialized store keyed by bucket (one bucket per collection).
type State map[string]json.RawMessage

// Size returns the number of payload bytes across buckets.
func (s State) Size() int64 {
	var n int64
	for k, v := range s {
		n += int64(len(k) + len(v))
	}
	return n
}

// Buckets returns the bucket names in sorted order.
func (s State) Buckets() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Usage reports how much of the local capacity the last saved snapshot uses.
type Usage struct {
	UsedBytes     int64            `json:"usedBytes"`
	CapacityBytes int64            `json:"capacityBytes"`
	Percent       float64          `json:"percent"`
	NearCapacity  bool             `json:"nearCapacity"`
	Buckets       map[string]int64 `json:"buckets"`
}

// ComputeUsage derives usage figures for state against capacity.
func ComputeUsage(state State, capacity int64) Usage {
	u := Usage{CapacityBytes: capacity, Buckets: make(map[string]int64, len(state))}
	for k, v := range state {
		u.Buckets[k] = int64(len(v))
	}
	u.UsedBytes = state.Size()
	if capacity > 0 {
		u.Percent = float64(u.UsedBytes) / float64(capacity) * 100
		u.NearCapacity = float64(u.UsedBytes) >= float64(capacity)*NearCapacityRatio
	}
	return u
}

// CheckQuota returns ErrQuotaExceeded when state is larger than capacity.
// A non-positive capacity disables the check.
func CheckQuota(state State, capacity int64) error {
	if capacity <= 0 {
		return nil
	}
	if size := state.Size(); size > capacity {
		return fmt.Errorf("%w: %d bytes over %d byte capacity", ErrQuotaExceeded, size, capacity)
	}
	return nil
}

// Adapter persists and restores the store snapshot. Save replaces the whole
// snapshot; buckets absent from the new state are removed.
type Adapter interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context) (State, bool, error)
	Usage() Usage
	Driver() Driver
	Close() error
}
