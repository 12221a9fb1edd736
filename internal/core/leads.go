package core

import (
	"context"
	"sort"
	"time"

	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// LeadPatch lists the lead fields an update may change. Nil fields are left alone.
type LeadPatch struct {
	Name           *string
	Email          *string
	Phone          *string
	Budget         *float64
	MaxBudget      *float64
	TargetLocation *string
	Source         *string
	Status         *LeadStatus
	AssignedTo     *string
	SmartNurture   *bool
	Notes          *string
}

func (p LeadPatch) apply(l *Lead) {
	setIf(&l.Name, p.Name)
	setIf(&l.Email, p.Email)
	setIf(&l.Phone, p.Phone)
	setIf(&l.Budget, p.Budget)
	setIf(&l.MaxBudget, p.MaxBudget)
	setIf(&l.TargetLocation, p.TargetLocation)
	setIf(&l.Source, p.Source)
	setIf(&l.Status, p.Status)
	setIf(&l.AssignedTo, p.AssignedTo)
	setIf(&l.SmartNurture, p.SmartNurture)
	setIf(&l.Notes, p.Notes)
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// AddLead inserts a lead. An ID already present leaves the collection
// unchanged and returns the stored lead.
func (s *Store) AddLead(ctx context.Context, lead Lead) (Lead, error) {
	var result Lead
	err := s.run(ctx, func(tx *transaction) error {
		if lead.ID != "" {
			if existing, ok := tx.state.leads[lead.ID]; ok {
				result = cloneLead(existing)
				return nil
			}
		} else {
			lead.ID = s.newID()
		}
		if lead.Status == "" {
			lead.Status = LeadNew
		}
		if err := s.validate(EntityLead, lead); err != nil {
			return err
		}
		lead.CreatedAt = tx.now
		lead.UpdatedAt = tx.now
		if lead.Status == LeadTrash && lead.DeletedAt == nil {
			now := tx.now
			lead.DeletedAt = &now
		}
		applyLeadCommission(nil, &lead)
		tx.state.leads[lead.ID] = lead
		tx.recordChange(Change{Entity: EntityLead, Action: domain.ActionCreate, After: cloneLead(lead)})
		tx.put(EntityLead, lead.ID, cloneLead(lead))
		result = cloneLead(lead)
		return nil
	})
	return result, err
}

// UpdateLead applies patch to an existing lead.
func (s *Store) UpdateLead(ctx context.Context, id string, patch LeadPatch) (Lead, error) {
	var result Lead
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.leads[id]
		if !ok {
			return notFound(EntityLead, id)
		}
		after := cloneLead(before)
		patch.apply(&after)
		if err := s.validate(EntityLead, after); err != nil {
			return err
		}
		switch {
		case after.Status == LeadTrash && before.Status != LeadTrash:
			now := tx.now
			after.DeletedAt = &now
		case after.Status != LeadTrash:
			after.DeletedAt = nil
		}
		applyLeadCommission(&before, &after)
		after.UpdatedAt = tx.now
		result = tx.saveLead(before, after)
		return nil
	})
	return result, err
}

func (tx *transaction) saveLead(before, after Lead) Lead {
	tx.state.leads[after.ID] = after
	tx.recordChange(Change{Entity: EntityLead, Action: domain.ActionUpdate, Before: cloneLead(before), After: cloneLead(after)})
	tx.put(EntityLead, after.ID, cloneLead(after))
	return cloneLead(after)
}

// DeleteLead moves a lead to Trash and stamps deletedAt. Other fields are not
// touched, except that leaving Closed clears the commission.
func (s *Store) DeleteLead(ctx context.Context, id string) (Lead, error) {
	var result Lead
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.leads[id]
		if !ok {
			return notFound(EntityLead, id)
		}
		if before.Status == LeadTrash {
			result = cloneLead(before)
			return nil
		}
		after := cloneLead(before)
		after.Status = LeadTrash
		now := tx.now
		after.DeletedAt = &now
		applyLeadCommission(&before, &after)
		result = tx.saveLead(before, after)
		return nil
	})
	return result, err
}

// RestoreLead returns a trashed lead to New and clears deletedAt.
func (s *Store) RestoreLead(ctx context.Context, id string) (Lead, error) {
	var result Lead
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.leads[id]
		if !ok {
			return notFound(EntityLead, id)
		}
		if before.Status != LeadTrash {
			result = cloneLead(before)
			return nil
		}
		after := cloneLead(before)
		after.Status = LeadNew
		after.DeletedAt = nil
		result = tx.saveLead(before, after)
		return nil
	})
	return result, err
}

// PermanentlyDeleteLead removes a lead locally and remotely. Elevated members
// may purge any lead; everyone else only leads already in Trash.
func (s *Store) PermanentlyDeleteLead(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		lead, ok := tx.state.leads[id]
		if !ok {
			return notFound(EntityLead, id)
		}
		if lead.Status != LeadTrash && !tx.actor.Role.Elevated() {
			return &domain.AuthorizationError{Action: "permanently delete an active lead", Role: tx.actor.Role}
		}
		tx.purgeLead(lead)
		return nil
	})
}

func (tx *transaction) purgeLead(lead Lead) {
	delete(tx.state.leads, lead.ID)
	tx.recordChange(Change{Entity: EntityLead, Action: domain.ActionDelete, Before: cloneLead(lead)})
	tx.remove(EntityLead, lead.ID)
	tx.audit(domain.AuditLeadPurged, lead.ID, map[string]any{
		"name":   lead.Name,
		"status": string(lead.Status),
	})
}

// PurgeExpiredTrash permanently deletes every lead that has been in Trash for
// at least retention. It returns the number of purged leads.
func (s *Store) PurgeExpiredTrash(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	purged := 0
	err := s.run(ctx, func(tx *transaction) error {
		for _, lead := range expiredTrash(tx.state.leads, now, retention) {
			tx.purgeLead(lead)
			purged++
		}
		return nil
	})
	return purged, err
}

// ExpiredTrash lists trashed leads whose deletedAt is at least retention before now.
func (s *Store) ExpiredTrash(now time.Time, retention time.Duration) []Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiredTrash(s.state.leads, now, retention)
}

func expiredTrash(leads map[string]Lead, now time.Time, retention time.Duration) []Lead {
	var out []Lead
	for _, l := range sortedLeads(leads) {
		if l.Status == LeadTrash && l.DeletedAt != nil && now.Sub(*l.DeletedAt) >= retention {
			out = append(out, l)
		}
	}
	return out
}

// MarkCommissionPaid flags a closed lead's commission as paid out.
func (s *Store) MarkCommissionPaid(ctx context.Context, id string) (Lead, error) {
	var result Lead
	err := s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("mark commission paid"); err != nil {
			return err
		}
		before, ok := tx.state.leads[id]
		if !ok {
			return notFound(EntityLead, id)
		}
		if before.Status != LeadClosed {
			return invalid(EntityLead, "status", "closed", "commission can only be paid on a closed lead")
		}
		if before.CommissionPaid {
			result = cloneLead(before)
			return nil
		}
		after := cloneLead(before)
		after.CommissionPaid = true
		after.UpdatedAt = tx.now
		tx.state.leads[id] = after
		tx.recordChange(Change{Entity: EntityLead, Action: domain.ActionUpdate, Before: cloneLead(before), After: cloneLead(after)})
		tx.merge(EntityLead, id, remote.Fields{"commissionPaid": true, "updatedAt": tx.now})
		tx.audit(domain.AuditCommissionPaid, id, map[string]any{
			"commission": after.Commission,
			"assignedTo": after.AssignedTo,
		})
		result = cloneLead(after)
		return nil
	})
	return result, err
}

// ReplaceLeads swaps the whole lead collection for leads. No effects run.
func (s *Store) ReplaceLeads(ctx context.Context, leads []Lead) error {
	return s.run(ctx, func(tx *transaction) error {
		next := make(map[string]Lead, len(leads))
		for _, l := range leads {
			next[l.ID] = cloneLead(l)
		}
		tx.state.leads = next
		tx.touch(EntityLead)
		return nil
	})
}

// Lead returns one lead.
func (s *Store) Lead(id string) (Lead, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.state.leads[id]
	return cloneLead(l), ok
}

// Leads returns every lead, newest first.
func (s *Store) Leads() []Lead {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedLeads(s.state.leads)
}

// AddActivity records an interaction and stamps the lead's lastContact.
func (s *Store) AddActivity(ctx context.Context, a Activity) (Activity, error) {
	var result Activity
	err := s.run(ctx, func(tx *transaction) error {
		if a.ID != "" {
			if existing, ok := tx.state.activities[a.ID]; ok {
				result = existing
				return nil
			}
		} else {
			a.ID = s.newID()
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = tx.now
		}
		if a.Actor == "" {
			a.Actor = tx.actorID()
		}
		if err := s.validate(EntityActivity, a); err != nil {
			return err
		}
		tx.state.activities[a.ID] = a
		tx.recordChange(Change{Entity: EntityActivity, Action: domain.ActionCreate, After: a})
		tx.put(EntityActivity, a.ID, a)
		if lead, ok := tx.state.leads[a.LeadID]; ok && a.LeadID != "" {
			ts := a.Timestamp
			lead = cloneLead(lead)
			lead.LastContact = &ts
			tx.state.leads[lead.ID] = lead
			tx.touch(EntityLead)
			tx.merge(EntityLead, lead.ID, remote.Fields{"lastContact": ts})
		}
		result = a
		return nil
	})
	return result, err
}

// Activities returns every activity, newest first.
func (s *Store) Activities() []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedActivities(s.state.activities, "")
}

// ActivitiesForLead returns a lead's activities, newest first.
func (s *Store) ActivitiesForLead(leadID string) []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedActivities(s.state.activities, leadID)
}

func sortedLeads(m map[string]Lead) []Lead {
	out := make([]Lead, 0, len(m))
	for _, l := range m {
		out = append(out, cloneLead(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedActivities(m map[string]Activity, leadID string) []Activity {
	out := make([]Activity, 0, len(m))
	for _, a := range m {
		if leadID == "" || a.LeadID == leadID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
