// Package livesync keeps the entity store in step with remote push
// subscriptions for the signed-in team member.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"estatecrm/internal/core"
	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// State is the lifecycle position of one collection subscription.
type State string

// Subscription states.
const (
	Unsubscribed State = "unsubscribed"
	Subscribing  State = "subscribing"
	Active       State = "active"
)

// Collections is the set of collections the manager subscribes to, in start order.
var Collections = []domain.EntityType{domain.EntityLead, domain.EntityTask, domain.EntityTeamMember}

// Sink receives wholesale collection replacements.
type Sink interface {
	ReplaceLeads(ctx context.Context, leads []domain.Lead) error
	ReplaceTasks(ctx context.Context, tasks []domain.Task) error
	ReplaceTeam(ctx context.Context, members []domain.TeamMember) error
}

// Notifier delivers new-item notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, text string, ref core.Ref) error
}

// Metrics receives subscription diagnostics.
type Metrics interface {
	SnapshotApplied(collection string, docs int)
	SubscriptionError(collection string)
}

type noopMetrics struct{}

func (noopMetrics) SnapshotApplied(string, int) {}
func (noopMetrics) SubscriptionError(string)    {}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l core.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithNotifier overrides where new-item notifications go. By default they go
// to the sink when it implements Notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

type subscription struct {
	state  State
	primed bool
	known  map[string]struct{}
	unsub  remote.Unsubscribe
}

// Manager runs one subscription per collection for the current member.
type Manager struct {
	remote   remote.Adapter
	sink     Sink
	notifier Notifier
	logger   core.Logger
	metrics  Metrics

	mu         sync.Mutex
	ctx        context.Context
	member     domain.TeamMember
	generation uint64
	subs       map[domain.EntityType]*subscription
}

// New constructs a manager reading from r and writing into sink.
func New(r remote.Adapter, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		remote:  r,
		sink:    sink,
		logger:  core.NoopLogger(),
		metrics: noopMetrics{},
		ctx:     context.Background(),
		subs:    make(map[domain.EntityType]*subscription),
	}
	if n, ok := sink.(Notifier); ok {
		m.notifier = n
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scope returns the filters a member's subscription to entity uses. Elevated
// roles and the team collection are unfiltered.
func Scope(member domain.TeamMember, entity domain.EntityType) []remote.Filter {
	if entity == domain.EntityTeamMember || domain.IsElevated(member) {
		return nil
	}
	return []remote.Filter{remote.Where("assignedTo", member.ID)}
}

// Start subscribes every collection for member, stopping any previous
// member's subscriptions first. Collections whose subscribe call fails are
// left Unsubscribed and reported in the joined error.
func (m *Manager) Start(ctx context.Context, member domain.TeamMember) error {
	if member.ID == "" {
		return fmt.Errorf("start live sync: member id required")
	}
	m.Stop()

	m.mu.Lock()
	m.ctx = ctx
	m.member = member
	m.generation++
	gen := m.generation
	for _, entity := range Collections {
		m.subs[entity] = &subscription{state: Subscribing, known: make(map[string]struct{})}
	}
	m.mu.Unlock()

	var errs []error
	for _, entity := range Collections {
		unsub, err := m.remote.Subscribe(ctx, string(entity), Scope(member, entity),
			func(snap remote.Snapshot) { m.handleSnapshot(gen, entity, snap) },
			func(err error) { m.handleError(gen, entity, err) },
		)
		m.mu.Lock()
		sub, current := m.subs[entity], m.generation == gen
		switch {
		case !current:
			m.mu.Unlock()
			if unsub != nil {
				unsub()
			}
			return errors.Join(append(errs, fmt.Errorf("subscribe %s: superseded", entity))...)
		case err != nil:
			sub.state = Unsubscribed
			m.mu.Unlock()
			m.logger.Error("subscribe failed", "collection", entity, "user", member.ID, "error", err)
			errs = append(errs, fmt.Errorf("subscribe %s: %w", entity, err))
			continue
		}
		sub.unsub = unsub
		sub.state = Active
		m.mu.Unlock()
		m.logger.Info("subscription active", "collection", entity, "user", member.ID, "filtered", len(Scope(member, entity)) > 0)
	}
	return errors.Join(errs...)
}

// Stop closes every subscription and clears the known-ID sets so the next
// Start begins cold.
func (m *Manager) Stop() {
	m.mu.Lock()
	var unsubs []remote.Unsubscribe
	for _, sub := range m.subs {
		if sub.unsub != nil {
			unsubs = append(unsubs, sub.unsub)
		}
	}
	m.subs = make(map[domain.EntityType]*subscription)
	m.member = domain.TeamMember{}
	m.generation++
	m.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// State reports the subscription state for entity.
func (m *Manager) State(entity domain.EntityType) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[entity]; ok {
		return sub.state
	}
	return Unsubscribed
}

// Member returns the member the subscriptions are scoped to.
func (m *Manager) Member() (domain.TeamMember, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.member, m.member.ID != ""
}

type newItem struct {
	id   string
	text string
}

func (m *Manager) handleSnapshot(gen uint64, entity domain.EntityType, snap remote.Snapshot) {
	m.mu.Lock()
	sub, ok := m.subs[entity]
	if !ok || gen != m.generation {
		m.mu.Unlock()
		return
	}
	ctx, userID := m.ctx, m.member.ID
	var fresh []newItem
	if !sub.primed {
		sub.primed = true
	} else {
		for _, doc := range snap.Docs {
			if _, seen := sub.known[doc.ID]; seen {
				continue
			}
			if doc.Fields.String("assignedTo") == userID {
				fresh = append(fresh, newItem{id: doc.ID, text: newItemText(entity, doc)})
			}
		}
	}
	for _, doc := range snap.Docs {
		sub.known[doc.ID] = struct{}{}
	}
	m.mu.Unlock()

	if err := m.replace(ctx, entity, snap.Docs); err != nil {
		m.logger.Error("apply snapshot failed", "collection", entity, "error", err)
		return
	}
	m.metrics.SnapshotApplied(string(entity), len(snap.Docs))
	m.logger.Debug("snapshot applied", "collection", entity, "docs", len(snap.Docs), "changes", len(snap.Changes))

	if m.notifier == nil {
		return
	}
	for _, item := range fresh {
		if err := m.notifier.Notify(ctx, userID, item.text, core.Ref{Collection: entity, ID: item.id}); err != nil {
			m.logger.Warn("new item notification failed", "collection", entity, "id", item.id, "error", err)
		}
	}
}

func (m *Manager) handleError(gen uint64, entity domain.EntityType, err error) {
	m.mu.Lock()
	current := gen == m.generation
	m.mu.Unlock()
	if !current {
		return
	}
	m.metrics.SubscriptionError(string(entity))
	m.logger.Warn("subscription error", "collection", entity, "error", err)
}

func (m *Manager) replace(ctx context.Context, entity domain.EntityType, docs []remote.Document) error {
	switch entity {
	case domain.EntityLead:
		return m.sink.ReplaceLeads(ctx, decodeAll[domain.Lead](m.logger, entity, docs))
	case domain.EntityTask:
		return m.sink.ReplaceTasks(ctx, decodeAll[domain.Task](m.logger, entity, docs))
	case domain.EntityTeamMember:
		return m.sink.ReplaceTeam(ctx, decodeAll[domain.TeamMember](m.logger, entity, docs))
	}
	return fmt.Errorf("unsupported collection %s", entity)
}

// decodeAll decodes every document, logging and skipping malformed ones.
func decodeAll[T any](log core.Logger, entity domain.EntityType, docs []remote.Document) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := remote.Decode[T](doc)
		if err != nil {
			log.Warn("skipping malformed document", "collection", entity, "id", doc.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func newItemText(entity domain.EntityType, doc remote.Document) string {
	switch entity {
	case domain.EntityLead:
		return "New lead assigned: " + doc.Fields.String("name")
	case domain.EntityTask:
		return "New task assigned: " + doc.Fields.String("title")
	}
	return fmt.Sprintf("New %s: %s", entity, doc.ID)
}
