// Package postgres implements remote.Adapter on a single JSONB documents
// table. Writes raise a pg_notify in the same transaction and subscriptions
// re-query their collection when a notification for it arrives.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5/stdlib"

	"estatecrm/internal/core"
	"estatecrm/internal/remote"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/estatecrm?sslmode=disable"

	tableName = "documents"
	// NotifyChannel carries {"collection","id"} payloads for every write.
	NotifyChannel = "estatecrm_documents"

	defaultRetry = 2 * time.Second
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var _ remote.Adapter = (*Store)(nil)

// ListenFunc blocks delivering the collection named by each change
// notification to handle until ctx ends or the transport fails.
type ListenFunc func(ctx context.Context, handle func(collection string)) error

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the driver logger.
func WithLogger(l core.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetry sets the delay before the listener reconnects after a failure.
func WithRetry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retry = d
		}
	}
}

// WithListener replaces the LISTEN loop. Used by tests that run without a
// server.
func WithListener(fn ListenFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.listenFn = fn
		}
	}
}

type subscription struct {
	id         int
	collection string
	filters    []remote.Filter
	onSnapshot func(remote.Snapshot)
	onError    func(error)

	mu     sync.Mutex
	differ *remote.Differ
	closed bool
}

// Store is the Postgres document store.
type Store struct {
	db       *sql.DB
	logger   core.Logger
	retry    time.Duration
	listenFn ListenFunc
	now      func() time.Time

	mu      sync.Mutex
	closed  bool
	subs    map[int]*subscription
	nextSub int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Open connects to dsn (falling back to a localhost default), ensures the
// documents table exists and returns the adapter.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{
		db:     db,
		logger: core.NoopLogger(),
		retry:  defaultRetry,
		now:    func() time.Time { return time.Now().UTC() },
		subs:   make(map[int]*subscription),
	}
	s.listenFn = s.pgListen
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON ` + tableName + ` (collection, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure documents table: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the remote driver identifier.
func (s *Store) Driver() remote.Driver { return remote.DriverPostgres }

func upsertQuery(collection, id string, data []byte, merge bool, now time.Time) (string, []any) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("collection", "id", "data", "updated_at")
	ib.Values(collection, id, string(data), now)
	query, args := ib.Build()
	if merge {
		query += " ON CONFLICT (collection, id) DO UPDATE SET data = " + tableName + ".data || EXCLUDED.data, updated_at = EXCLUDED.updated_at"
	} else {
		query += " ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at"
	}
	return query, args
}

func deleteQuery(collection, id string) (string, []any) {
	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(db.Equal("collection", collection), db.Equal("id", id))
	return db.Build()
}

func getQuery(collection, id string) (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("data")
	sb.From(tableName)
	sb.Where(sb.Equal("collection", collection), sb.Equal("id", id))
	return sb.Build()
}

func listQuery(collection string) (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "data")
	sb.From(tableName)
	sb.Where(sb.Equal("collection", collection))
	sb.OrderBy("id")
	return sb.Build()
}

type changePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (s *Store) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	return nil
}

// Put upserts a document and notifies listeners in the same transaction.
func (s *Store) Put(ctx context.Context, collection, id string, fields remote.Fields, merge bool) error {
	if id == "" {
		return fmt.Errorf("put %s: document id required", collection)
	}
	if err := s.open(); err != nil {
		return err
	}
	if fields == nil {
		fields = remote.Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	query, args := upsertQuery(collection, id, data, merge, s.now())
	return s.writeTx(ctx, collection, id, query, args)
}

// Delete removes a document and notifies listeners in the same transaction.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.open(); err != nil {
		return err
	}
	query, args := deleteQuery(collection, id)
	return s.writeTx(ctx, collection, id, query, args)
}

func (s *Store) writeTx(ctx context.Context, collection, id, query string, args []any) (err error) {
	payload, err := json.Marshal(changePayload{Collection: collection, ID: id})
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s/%s: %w", collection, id, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	if _, err = tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s/%s: %w", collection, id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, bool, error) {
	if err := s.open(); err != nil {
		return remote.Document{}, false, err
	}
	query, args := getQuery(collection, id)
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Document{}, false, nil
	}
	if err != nil {
		return remote.Document{}, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return remote.Document{}, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return remote.Document{ID: id, Fields: fields}, true, nil
}

// QueryOnce returns the documents of collection matching filters ordered by ID.
// Filters are evaluated against the decoded JSON so they behave exactly like
// the in-memory driver.
func (s *Store) QueryOnce(ctx context.Context, collection string, filters ...remote.Filter) ([]remote.Document, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.query(ctx, collection, filters)
}

func (s *Store) query(ctx context.Context, collection string, filters []remote.Filter) ([]remote.Document, error) {
	query, args := listQuery(collection)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()
	var out []remote.Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			s.logger.Warn("skipping undecodable document", "collection", collection, "id", id, "error", err)
			continue
		}
		if remote.Match(fields, filters) {
			out = append(out, remote.Document{ID: id, Fields: fields})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	remote.SortDocuments(out)
	return out, nil
}

func decodeFields(raw []byte) (remote.Fields, error) {
	var f remote.Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if f == nil {
		f = remote.Fields{}
	}
	return f, nil
}

// Subscribe delivers the initial snapshot before returning. The shared
// listener starts with the first subscription.
func (s *Store) Subscribe(ctx context.Context, collection string, filters []remote.Filter, onSnapshot func(remote.Snapshot), onError func(error)) (remote.Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("subscribe %s: snapshot callback required", collection)
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	docs, err := s.QueryOnce(ctx, collection, filters...)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	s.nextSub++
	sub := &subscription{
		id:         s.nextSub,
		collection: collection,
		filters:    append([]remote.Filter(nil), filters...),
		onSnapshot: onSnapshot,
		onError:    onError,
		differ:     remote.NewDiffer(),
	}
	s.subs[sub.id] = sub
	if s.cancel == nil {
		lctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.listenLoop(lctx)
	}
	s.mu.Unlock()

	sub.deliver(docs, true)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Store) listenLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		err := s.listenFn(ctx, func(collection string) { s.refresh(ctx, collection) })
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("listener stopped")
		}
		s.logger.Warn("change listener failed", "error", err, "retry", s.retry)
		s.broadcastError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retry):
		}
		// notifications sent while disconnected are lost
		for _, c := range s.collections() {
			s.refresh(ctx, c)
		}
	}
}

func (s *Store) pgListen(ctx context.Context, handle func(collection string)) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Close()
	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("listen requires the pgx driver, got %T", dc)
		}
		pc := sc.Conn()
		if _, err := pc.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		for {
			n, err := pc.WaitForNotification(ctx)
			if err != nil {
				return fmt.Errorf("wait for notification: %w", err)
			}
			var p changePayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil || p.Collection == "" {
				s.logger.Warn("ignoring malformed change notification", "payload", n.Payload)
				continue
			}
			handle(p.Collection)
		}
	})
}

func (s *Store) subscribers(collection string) []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscription
	for _, sub := range s.subs {
		if sub.collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, sub := range s.subs {
		if _, ok := seen[sub.collection]; !ok {
			seen[sub.collection] = struct{}{}
			out = append(out, sub.collection)
		}
	}
	return out
}

func (s *Store) refresh(ctx context.Context, collection string) {
	for _, sub := range s.subscribers(collection) {
		docs, err := s.query(ctx, collection, sub.filters)
		if err != nil {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			continue
		}
		sub.deliver(docs, false)
	}
}

func (s *Store) broadcastError(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fail(err)
	}
}

func (sub *subscription) deliver(docs []remote.Document, initial bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	changes := sub.differ.Next(docs)
	if !initial && len(changes) == 0 {
		return
	}
	sub.onSnapshot(remote.Snapshot{Collection: sub.collection, Docs: docs, Changes: changes})
}

func (sub *subscription) fail(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.onError == nil {
		return
	}
	sub.onError(err)
}

// Close stops the listener, drops subscriptions and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	subs := s.subs
	s.subs = make(map[int]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.db.Close()
}
