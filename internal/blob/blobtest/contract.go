// Package blobtest holds the behavioural contract every blob driver must
// satisfy.
package blobtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"estatecrm/internal/blob/core"
)

// Run exercises create-only puts, reads, listing order and deletes against a
// fresh store.
func Run(t *testing.T, store core.Store) {
	t.Helper()
	ctx := context.Background()

	info, err := store.Put(ctx, "backups/2026-03-01-agent-7.json", strings.NewReader(`{"v":1}`), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"exported-by": "agent-7"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(`{"v":1}`)) {
		t.Fatalf("size = %d", info.Size)
	}
	if _, err := store.Put(ctx, "backups/2026-03-01-agent-7.json", strings.NewReader("again"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("second put should fail with ErrExists, got %v", err)
	}

	got, rc, err := store.Get(ctx, "backups/2026-03-01-agent-7.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"v":1}` || got.ContentType != "application/json" {
		t.Fatalf("unexpected blob %q %+v", body, got)
	}
	if head, err := store.Head(ctx, "backups/2026-03-01-agent-7.json"); err != nil || head.Metadata["exported-by"] != "agent-7" {
		t.Fatalf("head: %+v %v", head, err)
	}

	if _, err := store.Head(ctx, "backups/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing head should be ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "backups/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing get should be ErrNotFound, got %v", err)
	}

	for _, key := range []string{"backups/2026-02-01-ceo-1.json", "other/x.json"} {
		if _, err := store.Put(ctx, key, strings.NewReader("{}"), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "backups/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "backups/2026-02-01-ceo-1.json" || list[1].Key != "backups/2026-03-01-agent-7.json" {
		t.Fatalf("unexpected listing %+v", list)
	}

	if ok, err := store.Delete(ctx, "other/x.json"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if all, _ := store.List(ctx, ""); len(all) != 2 {
		t.Fatalf("expected 2 blobs after delete, got %d", len(all))
	}
}
