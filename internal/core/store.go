// Package core implements the reconciling entity store: optimistic named
// mutations, derived effects, local snapshot persistence, fire-and-forget
// remote writes and wholesale snapshot replacement.
package core

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"estatecrm/internal/localstate"
	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// ErrNoRemote is returned by operations that need the remote store when none is configured.
var ErrNoRemote = errors.New("remote adapter not configured")

// Store is the single in-memory source of truth for CRM data.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	session TeamMember
	seq     uint64

	engine    *EffectEngine
	validator *validator.Validate
	clock     Clock
	newID     func() string
	entropy   io.Reader
	logger    Logger
	metrics   MetricsRecorder

	local      localstate.Adapter
	remote     remote.Adapter
	outbox     *Outbox
	ownsOutbox bool

	persistMu    sync.Mutex
	persistedSeq uint64

	watchMu  sync.Mutex
	watchers map[int]func(EntityType)
	watchSeq int
}

// NewStore constructs a store. Without options it is memory-only with the
// default derived effects.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:     newMemoryState(),
		engine:    DefaultEffects(),
		validator: newValidator(),
		clock:     ClockFunc(func() time.Time { return time.Now().UTC() }),
		newID:     uuid.NewString,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		logger:    noopLogger{},
		metrics:   noopMetrics{},
		watchers:  make(map[int]func(EntityType)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.remote != nil && s.outbox == nil {
		s.outbox = NewOutbox(s.remote, OutboxLogger(s.logger), OutboxMetrics(s.metrics))
		s.outbox.Start()
		s.ownsOutbox = true
	}
	return s
}

// Close stops an outbox owned by the store, flushing queued writes within ctx.
func (s *Store) Close(ctx context.Context) error {
	if s.ownsOutbox {
		return s.outbox.Stop(ctx)
	}
	return nil
}

// Flush waits until every remote write queued so far has been attempted.
func (s *Store) Flush(ctx context.Context) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Drain(ctx)
}

// Effects returns the registered derived effect names.
func (s *Store) Effects() []string { return s.engine.Effects() }

// SetSession records the signed-in team member used as actor and as the
// recipient of local notifications.
func (s *Store) SetSession(member TeamMember) {
	s.mu.Lock()
	s.session = cloneMember(member)
	s.mu.Unlock()
}

// ClearSession signs the current member out.
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.session = TeamMember{}
	s.mu.Unlock()
}

// Session returns the signed-in member, if any.
func (s *Store) Session() (TeamMember, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMember(s.session), s.session.ID != ""
}

// Watch registers fn to run after every commit with each touched collection.
// The returned function removes the watcher.
func (s *Store) Watch(fn func(EntityType)) func() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// transaction is a mutable copy of the store state plus the side effects the
// commit will release.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	writes  []RemoteWrite
	touched []EntityType
	now     time.Time
	actor   TeamMember
}

// run executes fn on a transactional copy, evaluates derived effects over the
// recorded changes, commits and dispatches remote writes, then persists and
// notifies watchers. Nothing is committed when fn returns an error.
func (s *Store) run(ctx context.Context, fn func(tx *transaction) error) error {
	s.mu.Lock()
	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.clock.Now(),
		actor: s.session,
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(tx.changes) > 0 && s.engine != nil {
		out, err := s.engine.Evaluate(ctx, transactionView{tx: tx}, tx.changes)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("evaluate effects: %w", err)
		}
		tx.applyOutcome(out)
	}
	if len(tx.touched) == 0 && len(tx.writes) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.state = tx.state
	s.seq++
	seq, committed := s.seq, s.state
	// Enqueue never blocks, so writes reach the outbox in commit order.
	s.dispatch(tx.writes)
	s.mu.Unlock()

	s.persist(ctx, seq, committed)
	s.notify(tx.touched)
	return nil
}

// persist saves committed state. Failures, quota included, are logged and
// counted but never returned: the in-memory commit stands.
func (s *Store) persist(ctx context.Context, seq uint64, committed memoryState) {
	if s.local == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistedSeq {
		return
	}
	state, err := encodeState(snapshotFromMemoryState(committed))
	if err == nil {
		err = s.local.Save(ctx, state)
	}
	usage := s.local.Usage()
	s.metrics.LocalPersist(usage, err)
	if err != nil {
		if errors.Is(err, localstate.ErrQuotaExceeded) {
			s.logger.Warn("local storage full; snapshot not saved", "used_bytes", usage.UsedBytes, "capacity_bytes", usage.CapacityBytes, "error", err)
		} else {
			s.logger.Error("persist snapshot failed", "error", err)
		}
		return
	}
	s.persistedSeq = seq
	if usage.NearCapacity {
		s.logger.Warn("local storage nearly full", "percent", usage.Percent)
	}
}

func (s *Store) dispatch(writes []RemoteWrite) {
	if s.outbox == nil {
		return
	}
	for _, w := range writes {
		s.outbox.Enqueue(w)
	}
}

func (s *Store) notify(touched []EntityType) {
	s.watchMu.Lock()
	fns := make([]func(EntityType), 0, len(s.watchers))
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.watchMu.Unlock()
	for _, entity := range touched {
		for _, fn := range fns {
			fn(entity)
		}
	}
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
	tx.touch(change.Entity)
}

func (tx *transaction) touch(entity EntityType) {
	for _, e := range tx.touched {
		if e == entity {
			return
		}
	}
	tx.touched = append(tx.touched, entity)
}

// put queues a remote upsert of record.
func (tx *transaction) put(entity EntityType, id string, record any) {
	tx.writes = append(tx.writes, RemoteWrite{Collection: entity, ID: id, Record: record})
}

// merge queues a remote partial update.
func (tx *transaction) merge(entity EntityType, id string, fields remote.Fields) {
	tx.writes = append(tx.writes, RemoteWrite{Collection: entity, ID: id, Fields: fields, Merge: true})
}

// remove queues a remote hard delete.
func (tx *transaction) remove(entity EntityType, id string) {
	tx.writes = append(tx.writes, RemoteWrite{Collection: entity, ID: id, Delete: true})
}

func (tx *transaction) actorID() string {
	if tx.actor.ID == "" {
		return "system"
	}
	return tx.actor.ID
}

// authorize rejects non-elevated actors.
func (tx *transaction) authorize(action string) error {
	if !tx.actor.Role.Elevated() {
		return &domain.AuthorizationError{Action: action, Role: tx.actor.Role}
	}
	return nil
}

func (tx *transaction) auditID() string {
	return ulid.MustNew(ulid.Timestamp(tx.now), tx.store.entropy).String()
}

// audit appends an immutable entry locally and remotely.
func (tx *transaction) audit(action, targetID string, details map[string]any) {
	entry := AuditLogEntry{
		ID:          tx.auditID(),
		Action:      action,
		PerformedBy: tx.actorID(),
		TargetID:    targetID,
		Details:     details,
		Timestamp:   tx.now,
	}
	tx.state.audit[entry.ID] = entry
	tx.touch(EntityAuditLog)
	tx.put(EntityAuditLog, entry.ID, cloneAudit(entry))
}

// deliver routes a notification: the session member's own notifications are
// kept locally and mirrored remotely, anyone else's are written remotely only.
func (tx *transaction) deliver(intent domain.NotificationIntent, kind string) {
	if intent.UserID == "" {
		return
	}
	n := Notification{
		ID:            tx.store.newID(),
		Text:          intent.Text,
		UserID:        intent.UserID,
		Date:          tx.now,
		RefCollection: intent.RefCollection,
		RefID:         intent.RefID,
	}
	if n.UserID == tx.actor.ID {
		tx.state.notifications[n.ID] = n
		tx.touch(EntityNotification)
	}
	tx.put(EntityNotification, n.ID, n)
	tx.store.metrics.NotificationSent(kind)
}

func (tx *transaction) applyOutcome(out Outcome) {
	for _, c := range out.Credits {
		member, ok := tx.state.team[c.MemberID]
		if !ok {
			tx.store.logger.Debug("commission credit skipped; member not loaded", "member", c.MemberID)
			continue
		}
		member.TotalSales += c.Sales
		member.CommissionEarned += c.Commission
		tx.state.team[member.ID] = member
		tx.touch(EntityTeamMember)
		tx.merge(EntityTeamMember, member.ID, remote.Fields{
			"totalSales":       member.TotalSales,
			"commissionEarned": member.CommissionEarned,
		})
	}
	if out.Revenue != (Revenue{}) {
		tx.state.revenue.ClosedDeals += out.Revenue.ClosedDeals
		tx.state.revenue.PropertiesSold += out.Revenue.PropertiesSold
		tx.state.revenue.TotalSales += out.Revenue.TotalSales
		tx.state.revenue.TotalCommission += out.Revenue.TotalCommission
	}
	for _, n := range out.Notifications {
		tx.deliver(n, "effect")
	}
	for _, a := range out.Audit {
		tx.audit(a.Action, a.TargetID, a.Details)
	}
}

// transactionView exposes transaction state to effects.
type transactionView struct {
	tx *transaction
}

func (v transactionView) ListLeads() []Lead {
	return sortedLeads(v.tx.state.leads)
}

func (v transactionView) FindLead(id string) (Lead, bool) {
	l, ok := v.tx.state.leads[id]
	return cloneLead(l), ok
}

func (v transactionView) FindProperty(id string) (Property, bool) {
	p, ok := v.tx.state.properties[id]
	return cloneProperty(p), ok
}

func (v transactionView) ListTeamMembers() []TeamMember {
	return sortedMembers(v.tx.state.team)
}

func (v transactionView) FindTeamMember(id string) (TeamMember, bool) {
	m, ok := v.tx.state.team[id]
	return cloneMember(m), ok
}

func (v transactionView) ActivityCount(leadID string) int {
	return countActivities(v.tx.state.activities, leadID)
}

func (v transactionView) Actor() TeamMember { return cloneMember(v.tx.actor) }

func (v transactionView) Now() time.Time { return v.tx.now }

func countActivities(activities map[string]Activity, leadID string) int {
	n := 0
	for _, a := range activities {
		if a.LeadID == leadID {
			n++
		}
	}
	return n
}

// ExportSnapshot clones the current store state.
func (s *Store) ExportSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportSnapshot replaces every collection with the snapshot contents, runs
// no effects and persists the result. Remote documents are left alone.
func (s *Store) ImportSnapshot(ctx context.Context, snapshot Snapshot) error {
	return s.run(ctx, func(tx *transaction) error {
		tx.state = memoryStateFromSnapshot(snapshot)
		for _, e := range allEntities {
			tx.touch(e)
		}
		tx.audit(domain.AuditSnapshotImported, "", map[string]any{"counts": snapshot.Counts()})
		return nil
	})
}

// Restore loads the last locally persisted snapshot. It reports false when
// there was nothing to restore.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	if s.local == nil {
		return false, nil
	}
	state, ok, err := s.local.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load local state: %w", err)
	}
	if !ok {
		return false, nil
	}
	snapshot, err := decodeState(state)
	if err != nil {
		return false, fmt.Errorf("restore local state: %w", err)
	}
	s.mu.Lock()
	s.state = memoryStateFromSnapshot(snapshot)
	s.seq++
	s.persistedSeq = s.seq
	s.mu.Unlock()
	s.notify(allEntities)
	return true, nil
}

// StorageUsage reports local persistence usage so callers can warn the user.
func (s *Store) StorageUsage() localstate.Usage {
	if s.local == nil {
		return localstate.Usage{}
	}
	return s.local.Usage()
}

// Revenue returns the aggregate closed-business counters.
func (s *Store) Revenue() Revenue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.revenue
}
