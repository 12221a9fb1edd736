// Package remote defines the document database contract the store writes
// through and the subscription manager listens on, plus the filter and diff
// helpers shared by its drivers.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Driver identifies a concrete remote document store implementation.
type Driver string

const (
	// DriverMemory keeps documents in process; used by tests and single-node demos.
	DriverMemory Driver = "memory"
	// DriverPostgres stores documents as JSONB and pushes changes with LISTEN/NOTIFY.
	DriverPostgres Driver = "postgres"
	// DriverRedis stores documents in hashes and pushes changes with pub/sub.
	DriverRedis Driver = "redis"
)

// Fields is the JSON object body of a document.
type Fields map[string]any

// Document is one record of a remote collection.
type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// ChangeType classifies a document change within a snapshot.
type ChangeType string

// Snapshot change kinds.
const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// DocumentChange is one entry of a snapshot changeset.
type DocumentChange struct {
	Type ChangeType
	ID   string
}

// Snapshot is the full filtered collection plus the changes since the
// previous snapshot delivered to the same subscriber. The first snapshot
// reports every document as added.
type Snapshot struct {
	Collection string
	Docs       []Document
	Changes    []DocumentChange
}

// Unsubscribe closes a subscription. It is safe to call more than once.
type Unsubscribe func()

// Adapter is the remote document store contract.
type Adapter interface {
	// Put upserts a document. With merge the fields are shallow-merged into
	// the stored document, otherwise the document is replaced.
	Put(ctx context.Context, collection, id string, fields Fields, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	QueryOnce(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Subscribe delivers the initial snapshot before returning or shortly
	// after, then one snapshot per change. Transport errors go to onError and
	// the subscription keeps running.
	Subscribe(ctx context.Context, collection string, filters []Filter, onSnapshot func(Snapshot), onError func(error)) (Unsubscribe, error)
	Driver() Driver
	Close() error
}

// ErrClosed is returned by adapters after Close.
var ErrClosed = errors.New("remote: adapter closed")

// ToFields converts a record into document fields through its JSON form.
func ToFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode document fields: %w", err)
	}
	return f, nil
}

// Decode converts document fields into a typed record. The document ID fills
// the "id" field when the fields do not carry one.
func Decode[T any](doc Document) (T, error) {
	var out T
	fields := doc.Fields
	if _, ok := fields["id"]; !ok && doc.ID != "" {
		fields = Merge(fields, Fields{"id": doc.ID})
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return out, fmt.Errorf("encode %s: %w", doc.ID, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	return out, nil
}

// Merge returns base with patch applied key by key.
func Merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the fields through their JSON form. Values that
// fail to round-trip are copied shallowly.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return Merge(nil, f)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return Merge(nil, f)
	}
	return out
}

// String returns the field value when it is a string.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}
