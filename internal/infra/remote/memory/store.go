// Package memory implements an in-process remote.Adapter with synchronous
// push delivery. Intended for tests and single-node demos.
package memory

import (
	"context"
	"fmt"
	"sync"

	"estatecrm/internal/remote"
)

// Write records one Put or Delete received by the adapter.
type Write struct {
	Collection string
	ID         string
	Fields     remote.Fields
	Merge      bool
	Delete     bool
}

type subscriber struct {
	id         int
	collection string
	filters    []remote.Filter
	onSnapshot func(remote.Snapshot)
	onError    func(error)

	mu     sync.Mutex
	differ *remote.Differ
	closed bool
}

// Store implements remote.Adapter backed by process memory.
type Store struct {
	mu        sync.Mutex
	docs      map[string]map[string]remote.Fields
	subs      map[int]*subscriber
	nextSub   int
	writeErr  error
	writes    []Write
	closed    bool
	suspended bool
	pending   map[string]struct{}
}

var _ remote.Adapter = (*Store)(nil)

// New returns an empty in-memory document store.
func New() *Store {
	return &Store{
		docs:    make(map[string]map[string]remote.Fields),
		subs:    make(map[int]*subscriber),
		pending: make(map[string]struct{}),
	}
}

// Driver returns the remote driver identifier.
func (s *Store) Driver() remote.Driver { return remote.DriverMemory }

// FailWrites makes every subsequent Put and Delete return err. Pass nil to recover.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// Writes returns the accepted writes in arrival order.
func (s *Store) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Hold queues push deliveries until Release, which emits one snapshot per
// touched collection. Used to simulate a lagging transport.
func (s *Store) Hold() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
}

// Release delivers the snapshots held since Hold.
func (s *Store) Release() {
	s.mu.Lock()
	s.suspended = false
	collections := make([]string, 0, len(s.pending))
	for c := range s.pending {
		collections = append(collections, c)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()
	for _, c := range collections {
		s.publish(c)
	}
}

// Seed stores documents without recording writes or pushing snapshots.
func (s *Store) Seed(collection string, docs ...remote.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.bucket(collection)
	for _, d := range docs {
		bucket[d.ID] = d.Fields.Clone()
	}
}

// InjectError reports err to every subscriber of collection.
func (s *Store) InjectError(collection string, err error) {
	for _, sub := range s.subscribers(collection) {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// Put upserts a document and pushes the new state to matching subscribers.
func (s *Store) Put(_ context.Context, collection, id string, fields remote.Fields, merge bool) error {
	if id == "" {
		return fmt.Errorf("put %s: document id required", collection)
	}
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	bucket := s.bucket(collection)
	next := fields.Clone()
	if merge {
		next = remote.Merge(bucket[id], next)
	}
	if next == nil {
		next = remote.Fields{}
	}
	bucket[id] = next
	s.writes = append(s.writes, Write{Collection: collection, ID: id, Fields: fields.Clone(), Merge: merge})
	deliver := s.markDirty(collection)
	s.mu.Unlock()
	if deliver {
		s.publish(collection)
	}
	return nil
}

// Delete removes a document and pushes the new state to matching subscribers.
func (s *Store) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.bucket(collection), id)
	s.writes = append(s.writes, Write{Collection: collection, ID: id, Delete: true})
	deliver := s.markDirty(collection)
	s.mu.Unlock()
	if deliver {
		s.publish(collection)
	}
	return nil
}

// Get returns one document.
func (s *Store) Get(_ context.Context, collection, id string) (remote.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return remote.Document{}, false, remote.ErrClosed
	}
	f, ok := s.docs[collection][id]
	if !ok {
		return remote.Document{}, false, nil
	}
	return remote.Document{ID: id, Fields: f.Clone()}, true, nil
}

// QueryOnce returns the documents matching filters ordered by ID.
func (s *Store) QueryOnce(_ context.Context, collection string, filters ...remote.Filter) ([]remote.Document, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	return s.query(collection, filters), nil
}

// Subscribe registers a live query and delivers the initial snapshot before returning.
func (s *Store) Subscribe(_ context.Context, collection string, filters []remote.Filter, onSnapshot func(remote.Snapshot), onError func(error)) (remote.Unsubscribe, error) {
	if onSnapshot == nil {
		return nil, fmt.Errorf("subscribe %s: snapshot callback required", collection)
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrClosed
	}
	s.nextSub++
	sub := &subscriber{
		id:         s.nextSub,
		collection: collection,
		filters:    append([]remote.Filter(nil), filters...),
		onSnapshot: onSnapshot,
		onError:    onError,
		differ:     remote.NewDiffer(),
	}
	s.subs[sub.id] = sub
	docs := s.query(collection, sub.filters)
	s.mu.Unlock()

	sub.deliver(collection, docs, true)

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

// Close drops all subscriptions and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[int]*subscriber)
	return nil
}

func (s *Store) writable() error {
	if s.closed {
		return remote.ErrClosed
	}
	return s.writeErr
}

func (s *Store) bucket(collection string) map[string]remote.Fields {
	b, ok := s.docs[collection]
	if !ok {
		b = make(map[string]remote.Fields)
		s.docs[collection] = b
	}
	return b
}

// markDirty reports whether the caller should publish now. Caller holds s.mu.
func (s *Store) markDirty(collection string) bool {
	if s.suspended {
		s.pending[collection] = struct{}{}
		return false
	}
	return true
}

// query returns matching documents. Caller holds s.mu.
func (s *Store) query(collection string, filters []remote.Filter) []remote.Document {
	var out []remote.Document
	for id, f := range s.docs[collection] {
		if remote.Match(f, filters) {
			out = append(out, remote.Document{ID: id, Fields: f.Clone()})
		}
	}
	remote.SortDocuments(out)
	return out
}

func (s *Store) subscribers(collection string) []*subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscriber
	for _, sub := range s.subs {
		if sub.collection == collection {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) publish(collection string) {
	for _, sub := range s.subscribers(collection) {
		s.mu.Lock()
		docs := s.query(collection, sub.filters)
		s.mu.Unlock()
		sub.deliver(collection, docs, false)
	}
}

func (sub *subscriber) deliver(collection string, docs []remote.Document, initial bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	changes := sub.differ.Next(docs)
	if !initial && len(changes) == 0 {
		return
	}
	sub.onSnapshot(remote.Snapshot{Collection: collection, Docs: docs, Changes: changes})
}
