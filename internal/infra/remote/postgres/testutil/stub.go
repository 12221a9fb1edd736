// Package testutil provides a stub database/sql driver that understands the
// documents-table statements issued by the postgres remote driver.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// StubConn holds documents keyed by collection then id, plus the raw
// statements and notification payloads it received.
type StubConn struct {
	mu            sync.Mutex
	Docs          map[string]map[string][]byte
	Execs         []string
	Notifications []string
	FailExec      bool
	FailBegin     bool
	FailCommit    bool
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Docs: make(map[string]map[string][]byte)}
	name := fmt.Sprintf("stubdocs%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailExec {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// Put seeds a document directly.
func (c *StubConn) Put(collection, id string, fields map[string]any) {
	raw, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(collection)[id] = raw
}

// Snapshot returns the executed statements and notification payloads.
func (c *StubConn) Snapshot() (execs, notifications []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Execs...), append([]string(nil), c.Notifications...)
}

func (c *StubConn) bucket(collection string) map[string][]byte {
	b, ok := c.Docs[collection]
	if !ok {
		b = make(map[string][]byte)
		c.Docs[collection] = b
	}
	return b
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "SELECT PG_NOTIFY"):
		if len(args) != 2 {
			return nil, fmt.Errorf("pg_notify expects 2 args, got %d", len(args))
		}
		c.Notifications = append(c.Notifications, fmt.Sprint(args[1].Value))
	case strings.HasPrefix(upper, "INSERT INTO"):
		if len(args) != 4 {
			return nil, fmt.Errorf("insert expects 4 args, got %d", len(args))
		}
		collection, id := fmt.Sprint(args[0].Value), fmt.Sprint(args[1].Value)
		data := []byte(fmt.Sprint(args[2].Value))
		bucket := c.bucket(collection)
		if prev, ok := bucket[id]; ok && strings.Contains(query, "||") {
			merged, err := mergeJSON(prev, data)
			if err != nil {
				return nil, err
			}
			data = merged
		}
		bucket[id] = data
	case strings.HasPrefix(upper, "DELETE FROM"):
		if len(args) != 2 {
			return nil, fmt.Errorf("delete expects 2 args, got %d", len(args))
		}
		delete(c.bucket(fmt.Sprint(args[0].Value)), fmt.Sprint(args[1].Value))
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailExec {
		return nil, fmt.Errorf("query fail")
	}
	lower := strings.ToLower(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(lower, "select data from") && len(args) == 2:
		raw, ok := c.bucket(fmt.Sprint(args[0].Value))[fmt.Sprint(args[1].Value)]
		rows := &stubRows{cols: []string{"data"}}
		if ok {
			rows.rows = [][]driver.Value{{raw}}
		}
		return rows, nil
	case strings.HasPrefix(lower, "select id, data from") && len(args) == 1:
		bucket := c.bucket(fmt.Sprint(args[0].Value))
		ids := make([]string, 0, len(bucket))
		for id := range bucket {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		rows := &stubRows{cols: []string{"id", "data"}}
		for _, id := range ids {
			rows.rows = append(rows.rows, []driver.Value{id, bucket[id]})
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unsupported query: %s", query)
}

func mergeJSON(base, patch []byte) ([]byte, error) {
	var b, p map[string]any
	if err := json.Unmarshal(base, &b); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, err
	}
	if b == nil {
		b = map[string]any{}
	}
	for k, v := range p {
		b[k] = v
	}
	return json.Marshal(b)
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
