package domain

import (
	"context"
	"time"
)

// EffectView provides read-only access to transaction state for effect evaluation.
type EffectView interface {
	ListLeads() []Lead
	FindLead(id string) (Lead, bool)
	FindProperty(id string) (Property, bool)
	ListTeamMembers() []TeamMember
	FindTeamMember(id string) (TeamMember, bool)
	ActivityCount(leadID string) int
	Actor() TeamMember
	Now() time.Time
}

// Credit adds closed business to a team member's cumulative totals.
type Credit struct {
	MemberID   string
	Sales      float64
	Commission float64
}

// NotificationIntent asks the store to deliver a notification to UserID.
type NotificationIntent struct {
	UserID        string
	Text          string
	RefCollection EntityType
	RefID         string
}

// AuditIntent asks the store to append an audit entry for the acting user.
type AuditIntent struct {
	Action   string
	TargetID string
	Details  map[string]any
}

// Outcome aggregates the derived mutations produced by effects.
type Outcome struct {
	Credits       []Credit
	Notifications []NotificationIntent
	Audit         []AuditIntent
	Revenue       Revenue
}

// Merge appends another outcome.
func (o *Outcome) Merge(other Outcome) {
	o.Credits = append(o.Credits, other.Credits...)
	o.Notifications = append(o.Notifications, other.Notifications...)
	o.Audit = append(o.Audit, other.Audit...)
	o.Revenue.ClosedDeals += other.Revenue.ClosedDeals
	o.Revenue.PropertiesSold += other.Revenue.PropertiesSold
	o.Revenue.TotalSales += other.Revenue.TotalSales
	o.Revenue.TotalCommission += other.Revenue.TotalCommission
}

// Empty reports whether the outcome carries no derived mutations.
func (o Outcome) Empty() bool {
	return len(o.Credits) == 0 && len(o.Notifications) == 0 && len(o.Audit) == 0 && o.Revenue == (Revenue{})
}

// Effect derives secondary mutations from the changes recorded in a transaction.
type Effect interface {
	Name() string
	Evaluate(ctx context.Context, view EffectView, changes []Change) (Outcome, error)
}

// EffectEngine orchestrates effect evaluation.
type EffectEngine struct {
	effects []Effect
}

// NewEffectEngine constructs an engine with the supplied effects registered in order.
func NewEffectEngine(effects ...Effect) *EffectEngine {
	e := &EffectEngine{}
	for _, effect := range effects {
		e.Register(effect)
	}
	return e
}

// Register appends an effect to the engine.
func (e *EffectEngine) Register(effect Effect) {
	if effect == nil {
		return
	}
	e.effects = append(e.effects, effect)
}

// Effects returns the registered effect names in evaluation order.
func (e *EffectEngine) Effects() []string {
	out := make([]string, 0, len(e.effects))
	for _, effect := range e.effects {
		out = append(out, effect.Name())
	}
	return out
}

// Evaluate executes all registered effects and merges their outcomes.
func (e *EffectEngine) Evaluate(ctx context.Context, view EffectView, changes []Change) (Outcome, error) {
	var combined Outcome
	for _, effect := range e.effects {
		out, err := effect.Evaluate(ctx, view, changes)
		if err != nil {
			return Outcome{}, err
		}
		combined.Merge(out)
	}
	return combined, nil
}
