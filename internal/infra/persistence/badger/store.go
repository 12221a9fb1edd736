// Package badger persists the store snapshot to an embedded Badger key-value
// directory, one key per collection bucket under the state prefix.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"estatecrm/internal/localstate"
)

var _ localstate.Adapter = (*Store)(nil)

const keyPrefix = localstate.StateKey + "/"

// Store implements localstate.Adapter on a Badger database.
type Store struct {
	db       *badger.DB
	dir      string
	capacity int64

	mu    sync.Mutex
	usage localstate.Usage
}

// NewStore opens (creating when needed) the Badger directory at dir.
func NewStore(dir string, capacity int64) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db, dir: dir, capacity: capacity}
	state, _, err := s.Load(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.usage = localstate.ComputeUsage(state, capacity)
	return s, nil
}

// Driver returns the persistence driver identifier.
func (s *Store) Driver() localstate.Driver { return localstate.DriverBadger }

// Load reads every bucket under the state prefix.
func (s *Store) Load(context.Context) (localstate.State, bool, error) {
	state := localstate.State{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			state[strings.TrimPrefix(string(item.Key()), keyPrefix)] = payload
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load state: %w", err)
	}
	if len(state) == 0 {
		return nil, false, nil
	}
	return state, true, nil
}

// Save writes every bucket and deletes stale ones in a single transaction.
func (s *Store) Save(_ context.Context, state localstate.State) error {
	if err := localstate.CheckQuota(state, s.capacity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := state[strings.TrimPrefix(string(key), keyPrefix)]; !keep {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, bucket := range state.Buckets() {
			if err := txn.Set([]byte(keyPrefix+bucket), state[bucket]); err != nil {
				return fmt.Errorf("set %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.usage = localstate.ComputeUsage(state, s.capacity)
	return nil
}

// Usage reports the size of the last saved or loaded snapshot.
func (s *Store) Usage() localstate.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Dir returns the database directory.
func (s *Store) Dir() string { return s.dir }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
