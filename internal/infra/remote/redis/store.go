// Package redis implements remote.Adapter on Redis hashes. Each collection
// is one hash of JSON documents and every write publishes the document id on
// the collection's change channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"estatecrm/internal/core"
	"estatecrm/internal/remote"
)

const (
	keyPrefix     = "estatecrm:docs:"
	channelPrefix = "estatecrm:changes:"

	defaultRetry   = 2 * time.Second
	mergeAttempts  = 5
	connectTimeout = 5 * time.Second
)

var _ remote.Adapter = (*Store)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

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

// WithRetry sets the pause after a subscription receive error.
func WithRetry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retry = d
		}
	}
}

// Store is the Redis document store.
type Store struct {
	rdb    *redis.Client
	logger core.Logger
	retry  time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[int]*subscription
	next   int
}

// DocsKey is the hash holding collection's documents.
func DocsKey(collection string) string { return keyPrefix + collection }

// ChangesChannel is the pub/sub channel announcing writes to collection.
func ChangesChannel(collection string) string { return channelPrefix + collection }

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		logger: core.NoopLogger(),
		retry:  defaultRetry,
		subs:   make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Redis returns the underlying client.
func (s *Store) Redis() *redis.Client { return s.rdb }

// Driver returns the remote driver identifier.
func (s *Store) Driver() remote.Driver { return remote.DriverRedis }

func (s *Store) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.ErrClosed
	}
	return nil
}

// Put stores a document. Merges run under WATCH so concurrent merges into the
// same collection never lose fields.
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
	key := DocsKey(collection)
	if !merge {
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, id, err)
		}
		return s.write(ctx, collection, id, func(pipe redis.Pipeliner) {
			pipe.HSet(ctx, key, id, data)
		})
	}

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, id).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		data, err := mergeEncoded(cur, fields)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, data)
			pipe.Publish(ctx, ChangesChannel(collection), id)
			return nil
		})
		return err
	}
	for i := 0; i < mergeAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	return fmt.Errorf("merge %s/%s: too much contention", collection, id)
}

// mergeEncoded shallow-merges patch into the JSON document cur.
func mergeEncoded(cur []byte, patch remote.Fields) ([]byte, error) {
	base := remote.Fields{}
	if len(cur) > 0 {
		if err := json.Unmarshal(cur, &base); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
	}
	return json.Marshal(remote.Merge(base, patch))
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.write(ctx, collection, id, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, DocsKey(collection), id)
	})
}

func (s *Store) write(ctx context.Context, collection, id string, op func(redis.Pipeliner)) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe)
		pipe.Publish(ctx, ChangesChannel(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Document, bool, error) {
	if err := s.open(); err != nil {
		return remote.Document{}, false, err
	}
	raw, err := s.rdb.HGet(ctx, DocsKey(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return remote.Document{}, false, nil
	}
	if err != nil {
		return remote.Document{}, false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	var f remote.Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return remote.Document{}, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return remote.Document{ID: id, Fields: f}, true, nil
}

// QueryOnce returns the matching documents ordered by ID.
func (s *Store) QueryOnce(ctx context.Context, collection string, filters ...remote.Filter) ([]remote.Document, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	all, err := s.rdb.HGetAll(ctx, DocsKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	return s.decodeAll(collection, all, filters), nil
}

func (s *Store) decodeAll(collection string, all map[string]string, filters []remote.Filter) []remote.Document {
	out := make([]remote.Document, 0, len(all))
	for id, raw := range all {
		var f remote.Fields
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			s.logger.Warn("skipping undecodable document", "collection", collection, "id", id, "error", err)
			continue
		}
		if remote.Match(f, filters) {
			out = append(out, remote.Document{ID: id, Fields: f})
		}
	}
	remote.SortDocuments(out)
	return out
}

type subscription struct {
	collection string
	filters    []remote.Filter
	onSnapshot func(remote.Snapshot)
	onError    func(error)
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	done       chan struct{}

	mu     sync.Mutex
	differ *remote.Differ
	closed bool
}

// Subscribe listens on the collection's change channel. The subscription is
// confirmed and the initial snapshot delivered before it returns.
func (s *Store) Subscribe(ctx context.Context, collection string, filters []remote.Filter, onSnapshot func(remote.Snapshot), onError func(error)) (remote.Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("subscribe %s: snapshot callback required", collection)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	ps := s.rdb.Subscribe(ctx, ChangesChannel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	docs, err := s.QueryOnce(ctx, collection, filters...)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		collection: collection,
		filters:    append([]remote.Filter(nil), filters...),
		onSnapshot: onSnapshot,
		onError:    onError,
		pubsub:     ps,
		cancel:     cancel,
		done:       make(chan struct{}),
		differ:     remote.NewDiffer(),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, remote.ErrClosed
	}
	s.next++
	id := s.next
	s.subs[id] = sub
	s.mu.Unlock()

	sub.deliver(docs, true)
	go s.receive(lctx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.stop()
		})
	}, nil
}

func (s *Store) receive(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		msg, err := sub.pubsub.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("change channel receive failed", "collection", sub.collection, "error", err)
			sub.fail(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retry):
			}
			// the receive loop resubscribes on reconnect; catch up on what was missed
			s.refresh(ctx, sub)
			continue
		}
		if _, ok := msg.(*redis.Message); ok {
			s.refresh(ctx, sub)
		}
	}
}

func (s *Store) refresh(ctx context.Context, sub *subscription) {
	all, err := s.rdb.HGetAll(ctx, DocsKey(sub.collection)).Result()
	if err != nil {
		if ctx.Err() == nil {
			sub.fail(fmt.Errorf("refresh %s: %w", sub.collection, err))
		}
		return
	}
	sub.deliver(s.decodeAll(sub.collection, all, sub.filters), false)
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

func (sub *subscription) stop() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.cancel()
	_ = sub.pubsub.Close()
	<-sub.done
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription and closes the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[int]*subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return s.rdb.Close()
}
