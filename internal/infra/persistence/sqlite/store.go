// Package sqlite persists the store snapshot to an embedded SQLite file, one
// row per collection bucket.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"estatecrm/internal/localstate"
)

var _ localstate.Adapter = (*Store)(nil)

// Store persists snapshots to a single SQLite table as JSON blobs.
type Store struct {
	db       *sql.DB
	mu       sync.Mutex
	path     string
	capacity int64
	usage    localstate.Usage
}

// NewStore opens (creating when needed) the SQLite file at path.
func NewStore(path string, capacity int64) (*Store, error) {
	if path == "" {
		path = "estatecrm.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; modernc serializes anyway and this avoids SQLITE_BUSY on the file
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{db: db, path: path, capacity: capacity}
	state, _, err := s.Load(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.usage = localstate.ComputeUsage(state, capacity)
	return s, nil
}

// Driver returns the persistence driver identifier.
func (s *Store) Driver() localstate.Driver { return localstate.DriverSQLite }

// Load reads every bucket. It reports false when the table is empty.
func (s *Store) Load(ctx context.Context) (localstate.State, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	state := localstate.State{}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, false, fmt.Errorf("scan: %w", err)
		}
		state[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate state: %w", err)
	}
	if len(state) == 0 {
		return nil, false, nil
	}
	return state, true, nil
}

// Save upserts every bucket and drops buckets no longer present, in one transaction.
func (s *Store) Save(ctx context.Context, state localstate.State) (retErr error) {
	if err := localstate.CheckQuota(state, s.capacity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM state`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for _, bucket := range state.Buckets() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, []byte(state[bucket])); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
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

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
