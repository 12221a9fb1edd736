package core

import (
	"context"

	"estatecrm/pkg/domain"
)

type statusAuditEffect struct{}

// StatusAuditEffect writes one audit entry per lead or property status change.
// Sales are audited by PropertyCommissionEffect.
func StatusAuditEffect() Effect { return statusAuditEffect{} }

func (statusAuditEffect) Name() string { return "status-audit" }

func (statusAuditEffect) Evaluate(_ context.Context, _ domain.EffectView, changes []Change) (Outcome, error) {
	var out Outcome
	for _, c := range changes {
		if c.Action != domain.ActionUpdate {
			continue
		}
		switch c.Entity {
		case EntityLead:
			before, ok1 := c.Before.(Lead)
			after, ok2 := c.After.(Lead)
			if !ok1 || !ok2 || before.Status == after.Status {
				continue
			}
			action := domain.AuditLeadUpdated
			switch {
			case after.Status == LeadTrash:
				action = domain.AuditLeadDeleted
			case before.Status == LeadTrash:
				action = domain.AuditLeadRestored
			}
			out.Audit = append(out.Audit, domain.AuditIntent{
				Action:   action,
				TargetID: after.ID,
				Details: map[string]any{
					"from":       string(before.Status),
					"to":         string(after.Status),
					"commission": after.Commission,
				},
			})
		case EntityProperty:
			before, ok1 := c.Before.(Property)
			after, ok2 := c.After.(Property)
			if !ok1 || !ok2 || before.Status == after.Status || after.Status == PropertySold {
				continue
			}
			out.Audit = append(out.Audit, domain.AuditIntent{
				Action:   domain.AuditPropertyUpdated,
				TargetID: after.ID,
				Details: map[string]any{
					"from":       string(before.Status),
					"to":         string(after.Status),
					"commission": after.Commission,
				},
			})
		}
	}
	return out, nil
}

// DefaultEffects returns the engine with the built-in derived effects.
func DefaultEffects() *EffectEngine {
	return domain.NewEffectEngine(
		LeadCommissionEffect(),
		PropertyCommissionEffect(),
		SmartMatchEffect(),
		StatusAuditEffect(),
	)
}
