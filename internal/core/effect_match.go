package core

import (
	"context"
	"fmt"
	"strings"

	"estatecrm/pkg/domain"
)

type smartMatchEffect struct{}

// SmartMatchEffect pairs each newly listed property with A-grade leads whose
// target location and maximum budget fit it.
func SmartMatchEffect() Effect { return smartMatchEffect{} }

func (smartMatchEffect) Name() string { return "smart-match" }

func (smartMatchEffect) Evaluate(_ context.Context, view domain.EffectView, changes []Change) (Outcome, error) {
	var out Outcome
	for _, c := range changes {
		if c.Entity != EntityProperty || c.Action != domain.ActionCreate {
			continue
		}
		p, ok := c.After.(Property)
		if !ok {
			continue
		}
		for _, lead := range view.ListLeads() {
			if !MatchesProperty(lead, p) {
				continue
			}
			recipients := matchRecipients(view, lead)
			for _, id := range recipients {
				out.Notifications = append(out.Notifications, domain.NotificationIntent{
					UserID:        id,
					Text:          fmt.Sprintf("Smart match: %s in %s fits %s (%s)", p.Name, p.Location, lead.Name, formatAED(p.Price)),
					RefCollection: EntityProperty,
					RefID:         p.ID,
				})
			}
			out.Audit = append(out.Audit, domain.AuditIntent{
				Action:   domain.AuditInventoryMatch,
				TargetID: lead.ID,
				Details: map[string]any{
					"propertyId":   p.ID,
					"propertyName": p.Name,
					"leadName":     lead.Name,
					"recipients":   recipients,
				},
			})
		}
	}
	return out, nil
}

// MatchesProperty reports whether an active A-grade lead wants property p.
func MatchesProperty(lead Lead, p Property) bool {
	if lead.Status.IsTerminal() {
		return false
	}
	target := strings.ToLower(strings.TrimSpace(lead.TargetLocation))
	if target == "" || !strings.Contains(strings.ToLower(p.Location), target) {
		return false
	}
	if lead.MaxBudget < p.Price {
		return false
	}
	return ClassifyLead(lead) == GradeA
}

// matchRecipients is the assigned agent, or every elevated member when the lead is unassigned.
func matchRecipients(view domain.EffectView, lead Lead) []string {
	if lead.AssignedTo != "" {
		return []string{lead.AssignedTo}
	}
	var ids []string
	for _, m := range view.ListTeamMembers() {
		if m.Role.Elevated() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
