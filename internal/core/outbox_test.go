package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	remotemem "estatecrm/internal/infra/remote/memory"
	"estatecrm/internal/remote"
)

type capturedLog struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []capturedLog
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, capturedLog{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

func drainCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOutboxAppliesWritesInOrder(t *testing.T) {
	r := remotemem.New()
	o := NewOutbox(r)
	o.Start()
	o.Start()
	defer func() { _ = o.Stop(drainCtx(t)) }()

	for i := 0; i < 5; i++ {
		if !o.Enqueue(RemoteWrite{Collection: EntityLead, ID: fmt.Sprintf("L%d", i), Record: Lead{ID: fmt.Sprintf("L%d", i), Name: "n"}}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "L0", Fields: remote.Fields{"name": "renamed"}, Merge: true})
	o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "L4", Delete: true})
	if err := o.Drain(drainCtx(t)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if o.Pending() != 0 {
		t.Fatalf("pending = %d after drain", o.Pending())
	}
	writes := r.Writes()
	if len(writes) != 7 {
		t.Fatalf("expected 7 writes, got %d", len(writes))
	}
	for i := 0; i < 5; i++ {
		if writes[i].ID != fmt.Sprintf("L%d", i) {
			t.Fatalf("write %d out of order: %s", i, writes[i].ID)
		}
	}
	doc, ok, err := r.Get(context.Background(), string(EntityLead), "L0")
	if err != nil || !ok || doc.Fields.String("name") != "renamed" || doc.Fields.String("id") != "L0" {
		t.Fatalf("merge not applied: %+v ok=%v err=%v", doc, ok, err)
	}
	if _, ok, _ := r.Get(context.Background(), string(EntityLead), "L4"); ok {
		t.Fatalf("delete not applied")
	}
}

func TestOutboxLogsFailuresWithoutRetry(t *testing.T) {
	r := remotemem.New()
	r.FailWrites(errors.New("permission denied"))
	log := &captureLogger{}
	o := NewOutbox(r, OutboxLogger(log))
	o.Start()
	defer func() { _ = o.Stop(drainCtx(t)) }()

	o.Enqueue(RemoteWrite{Collection: EntityTask, ID: "T1", Record: Task{ID: "T1", Title: "x"}})
	if err := o.Drain(drainCtx(t)); err != nil {
		t.Fatal(err)
	}
	if got := log.count("error", "remote write failed"); got != 1 {
		t.Fatalf("expected one failure log, got %d", got)
	}
	r.FailWrites(nil)
	if err := o.Drain(drainCtx(t)); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Writes()); n != 0 {
		t.Fatalf("failed write was retried: %d writes", n)
	}
}

func TestOutboxDropsWhenFullOrStopped(t *testing.T) {
	r := remotemem.New()
	log := &captureLogger{}
	o := NewOutbox(r, OutboxLogger(log), OutboxCapacity(1))
	// not started: the single slot fills and the next write is dropped
	if !o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "a", Fields: remote.Fields{}}) {
		t.Fatalf("first enqueue should fit")
	}
	if o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "b", Fields: remote.Fields{}}) {
		t.Fatalf("second enqueue should be dropped")
	}
	if got := log.count("warn", "remote write dropped"); got != 1 {
		t.Fatalf("expected one drop log, got %d", got)
	}
	o.Start()
	if err := o.Stop(drainCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(r.Writes()); n != 1 {
		t.Fatalf("queued write not flushed on stop: %d", n)
	}
	if o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "c", Fields: remote.Fields{}}) {
		t.Fatalf("enqueue after stop should be rejected")
	}
}

func TestNoopLoggerDiscards(t *testing.T) {
	l := NoopLogger()
	l.Debug("x", "k", 1)
	l.Info("x")
	l.Warn("x")
	l.Error("x", "err", errors.New("boom"))
}

func TestStoreWithoutRemoteSkipsWrites(t *testing.T) {
	s := NewStore()
	if _, err := s.AddLead(context.Background(), Lead{Name: "local only"}); err != nil {
		t.Fatalf("add lead: %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := s.Effects(); len(got) != 4 {
		t.Fatalf("default effects = %v", got)
	}
}

func TestOutboxEnqueueRacingStopLeavesNothingPending(t *testing.T) {
	for i := 0; i < 50; i++ {
		o := NewOutbox(remotemem.New(), OutboxCapacity(64))
		o.Start()
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for n := 0; n < 16; n++ {
					o.Enqueue(RemoteWrite{Collection: EntityTask, ID: fmt.Sprintf("T%d-%d", g, n), Fields: remote.Fields{}})
				}
			}(g)
		}
		if err := o.Stop(drainCtx(t)); err != nil {
			t.Fatalf("stop: %v", err)
		}
		wg.Wait()
		if n := o.Pending(); n != 0 {
			t.Fatalf("run %d: pending = %d after stop", i, n)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := o.Drain(ctx)
		cancel()
		if err != nil {
			t.Fatalf("run %d: drain after stop: %v", i, err)
		}
	}
}

func TestOutboxStopWithoutStartDropsQueued(t *testing.T) {
	r := remotemem.New()
	log := &captureLogger{}
	o := NewOutbox(r, OutboxLogger(log))
	o.Enqueue(RemoteWrite{Collection: EntityLead, ID: "a", Fields: remote.Fields{}})
	if err := o.Stop(drainCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if o.Pending() != 0 {
		t.Fatalf("pending = %d", o.Pending())
	}
	if n := len(r.Writes()); n != 0 {
		t.Fatalf("unstarted outbox wrote %d docs", n)
	}
	if got := log.count("warn", "remote write dropped"); got != 1 {
		t.Fatalf("expected one drop log, got %d", got)
	}
}
