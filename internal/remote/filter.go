package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Op is a filter comparison operator.
type Op string

// Supported operators.
const (
	OpEqual          Op = "=="
	OpGreaterOrEqual Op = ">="
)

// Filter restricts a query or subscription to documents whose Field compares
// to Value under Op. Values may be strings, bools, numbers or time.Time.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Since builds a time-window filter on a timestamp field.
func Since(field string, t time.Time) Filter {
	return Filter{Field: field, Op: OpGreaterOrEqual, Value: t}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// Validate rejects unsupported operators and empty fields.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field required")
	}
	switch f.Op {
	case OpEqual, OpGreaterOrEqual:
		return nil
	default:
		return fmt.Errorf("unsupported filter operator %q", f.Op)
	}
}

// Match reports whether fields satisfy every filter.
func Match(fields Fields, filters []Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		if !ok || v == nil {
			return false
		}
		cmp, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if cmp != 0 {
				return false
			}
		case OpGreaterOrEqual:
			if cmp < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compare orders a stored JSON value against a filter value.
func compare(stored, want any) (int, bool) {
	switch w := want.(type) {
	case time.Time:
		s, ok := stored.(string)
		if !ok {
			return 0, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return t.Compare(w), true
	case string:
		s, ok := stored.(string)
		if !ok {
			return 0, false
		}
		switch {
		case s < w:
			return -1, true
		case s > w:
			return 1, true
		}
		return 0, true
	case bool:
		b, ok := stored.(bool)
		if !ok || b != w {
			return 1, ok
		}
		return 0, true
	}
	wf, ok := toFloat(want)
	if !ok {
		return 0, false
	}
	sf, ok := toFloat(stored)
	if !ok {
		return 0, false
	}
	switch {
	case sf < wf:
		return -1, true
	case sf > wf:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Differ computes snapshot changesets for one subscriber.
type Differ struct {
	seen map[string]string
}

// NewDiffer returns a differ with no prior snapshot.
func NewDiffer() *Differ {
	return &Differ{seen: make(map[string]string)}
}

// Next records docs as the latest snapshot and returns the changes relative
// to the previous one.
func (d *Differ) Next(docs []Document) []DocumentChange {
	next := make(map[string]string, len(docs))
	var changes []DocumentChange
	for _, doc := range docs {
		fp := fingerprint(doc.Fields)
		next[doc.ID] = fp
		prev, ok := d.seen[doc.ID]
		switch {
		case !ok:
			changes = append(changes, DocumentChange{Type: ChangeAdded, ID: doc.ID})
		case prev != fp:
			changes = append(changes, DocumentChange{Type: ChangeModified, ID: doc.ID})
		}
	}
	var removed []string
	for id := range d.seen {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, DocumentChange{Type: ChangeRemoved, ID: id})
	}
	d.seen = next
	return changes
}

func fingerprint(f Fields) string {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprint(f)
	}
	return string(raw)
}

// SortDocuments orders docs by ID for deterministic snapshots.
func SortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
