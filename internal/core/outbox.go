package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"estatecrm/internal/remote"
)

// DefaultOutboxCapacity bounds the number of queued remote writes.
const DefaultOutboxCapacity = 256

// DefaultWriteTimeout bounds a single remote write.
const DefaultWriteTimeout = 10 * time.Second

// RemoteWrite is one queued Put or Delete against the remote store.
type RemoteWrite struct {
	Collection EntityType
	ID         string
	// Record is encoded to document fields on the worker when Fields is nil.
	Record any
	Fields remote.Fields
	Merge  bool
	Delete bool
}

// Outbox applies remote writes asynchronously, in enqueue order, on a single
// worker. Failures are logged and counted, never retried or surfaced.
type Outbox struct {
	remote  remote.Adapter
	logger  Logger
	metrics MetricsRecorder
	timeout time.Duration

	queue chan RemoteWrite

	mu      sync.Mutex
	pending int
	idle    chan struct{}
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// OutboxLogger sets the outbox logger.
func OutboxLogger(l Logger) OutboxOption {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// OutboxMetrics sets the outbox metrics recorder.
func OutboxMetrics(m MetricsRecorder) OutboxOption {
	return func(o *Outbox) {
		if m != nil {
			o.metrics = m
		}
	}
}

// OutboxCapacity sets the queue size.
func OutboxCapacity(n int) OutboxOption {
	return func(o *Outbox) {
		if n > 0 {
			o.queue = make(chan RemoteWrite, n)
		}
	}
}

// OutboxTimeout sets the per-write deadline.
func OutboxTimeout(d time.Duration) OutboxOption {
	return func(o *Outbox) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewOutbox constructs an outbox writing to r. Call Start before enqueueing.
func NewOutbox(r remote.Adapter, opts ...OutboxOption) *Outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		remote:  r,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		timeout: DefaultWriteTimeout,
		queue:   make(chan RemoteWrite, DefaultOutboxCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins processing queued writes. Calling it twice is a no-op.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.wg.Add(1)
	go o.loop()
}

// Stop waits for queued writes to finish (bounded by ctx) and halts the worker.
// Writes enqueued on an outbox that was never started are dropped.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	var drainErr error
	if started {
		drainErr = o.Drain(ctx)
	}
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
	if !started {
		o.discard()
		return nil
	}
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every write enqueued so far has been attempted.
func (o *Outbox) Drain(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == 0 {
		o.mu.Unlock()
		return nil
	}
	idle := o.idle
	o.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of writes not yet attempted.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Enqueue schedules w without blocking. It reports false when the write was
// dropped because the outbox is full or stopped.
func (o *Outbox) Enqueue(w RemoteWrite) bool {
	// The send happens under mu so nothing lands in the queue after Stop
	// has marked the outbox stopped and the worker has discarded it.
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.drop(w, "outbox stopped")
		return false
	}
	select {
	case o.queue <- w:
		if o.pending == 0 {
			o.idle = make(chan struct{})
		}
		o.pending++
		o.mu.Unlock()
		return true
	default:
		o.mu.Unlock()
		o.drop(w, "outbox queue full")
		return false
	}
}

func (o *Outbox) drop(w RemoteWrite, reason string) {
	o.logger.Warn("remote write dropped", "collection", w.Collection, "id", w.ID, "reason", reason)
	o.metrics.RemoteWrite(string(w.Collection), fmt.Errorf("%s", reason))
}

func (o *Outbox) done() {
	o.mu.Lock()
	o.pending--
	if o.pending == 0 && o.idle != nil {
		close(o.idle)
		o.idle = nil
	}
	o.mu.Unlock()
}

func (o *Outbox) loop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			o.discard()
			return
		case w := <-o.queue:
			o.apply(w)
			o.done()
		}
	}
}

// discard releases writes still queued at shutdown so Drain callers return.
func (o *Outbox) discard() {
	for {
		select {
		case w := <-o.queue:
			o.drop(w, "outbox stopped")
			o.done()
		default:
			return
		}
	}
}

func (o *Outbox) apply(w RemoteWrite) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()
	err := o.write(ctx, w)
	o.metrics.RemoteWrite(string(w.Collection), err)
	if err != nil {
		o.logger.Error("remote write failed", "collection", w.Collection, "id", w.ID, "delete", w.Delete, "error", err)
		return
	}
	o.logger.Debug("remote write applied", "collection", w.Collection, "id", w.ID, "delete", w.Delete)
}

func (o *Outbox) write(ctx context.Context, w RemoteWrite) error {
	if o.remote == nil {
		return fmt.Errorf("remote adapter not configured")
	}
	if w.Delete {
		return o.remote.Delete(ctx, string(w.Collection), w.ID)
	}
	fields := w.Fields
	if fields == nil {
		f, err := remote.ToFields(w.Record)
		if err != nil {
			return err
		}
		fields = f
	}
	return o.remote.Put(ctx, string(w.Collection), w.ID, fields, w.Merge)
}
