// Package localstatetest holds the behavioural contract every localstate
// driver must satisfy.
package localstatetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"estatecrm/internal/localstate"
)

// Opener returns an adapter rooted at the same location on every call with
// the given capacity. Drivers without durable storage return a fresh adapter.
type Opener func(t *testing.T, capacity int64) localstate.Adapter

// Run exercises save, load, stale bucket removal, quota handling and usage.
// When durable is true the snapshot must also survive a close and reopen.
func Run(t *testing.T, open Opener, durable bool) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty load", func(t *testing.T) {
		a := open(t, 0)
		defer func() { _ = a.Close() }()
		state, ok, err := a.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if ok || state != nil {
			t.Fatalf("expected empty load, got %v", state)
		}
	})

	t.Run("save load and stale buckets", func(t *testing.T) {
		a := open(t, 0)
		first := localstate.State{
			"leads": json.RawMessage(`{"L1":{"id":"L1"}}`),
			"tasks": json.RawMessage(`{}`),
		}
		if err := a.Save(ctx, first); err != nil {
			t.Fatalf("save: %v", err)
		}
		second := localstate.State{"leads": json.RawMessage(`{"L2":{"id":"L2"}}`)}
		if err := a.Save(ctx, second); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, ok, err := a.Load(ctx)
		if err != nil || !ok {
			t.Fatalf("load: ok=%v err=%v", ok, err)
		}
		if len(got) != 1 || string(got["leads"]) != `{"L2":{"id":"L2"}}` {
			t.Fatalf("expected only the second snapshot, got %v", got)
		}
		if u := a.Usage(); u.UsedBytes != second.Size() {
			t.Fatalf("expected usage %d, got %d", second.Size(), u.UsedBytes)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if !durable {
			return
		}
		reopened := open(t, 0)
		defer func() { _ = reopened.Close() }()
		got, ok, err = reopened.Load(ctx)
		if err != nil || !ok {
			t.Fatalf("reload: ok=%v err=%v", ok, err)
		}
		if string(got["leads"]) != `{"L2":{"id":"L2"}}` {
			t.Fatalf("snapshot did not survive reopen: %v", got)
		}
		if u := reopened.Usage(); u.UsedBytes != second.Size() {
			t.Fatalf("expected restored usage %d, got %d", second.Size(), u.UsedBytes)
		}
	})

	t.Run("quota exceeded keeps previous snapshot", func(t *testing.T) {
		a := open(t, 64)
		defer func() { _ = a.Close() }()
		small := localstate.State{"leads": json.RawMessage(`{}`)}
		if err := a.Save(ctx, small); err != nil {
			t.Fatalf("save small: %v", err)
		}
		big := localstate.State{"leads": json.RawMessage(`"` + pad(128) + `"`)}
		err := a.Save(ctx, big)
		if !errors.Is(err, localstate.ErrQuotaExceeded) {
			t.Fatalf("expected quota error, got %v", err)
		}
		got, _, err := a.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if string(got["leads"]) != `{}` {
			t.Fatalf("expected previous snapshot to survive, got %s", got["leads"])
		}
		if u := a.Usage(); u.CapacityBytes != 64 || u.UsedBytes != small.Size() {
			t.Fatalf("unexpected usage %+v", u)
		}
	})
}

func pad(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}
