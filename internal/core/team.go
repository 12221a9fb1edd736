package core

import (
	"context"
	"fmt"
	"sort"

	"estatecrm/internal/remote"
	"estatecrm/pkg/domain"
)

// MemberPatch lists the profile fields an admin may change. Sales totals are
// maintained by commission effects and cannot be patched.
type MemberPatch struct {
	Name  *string
	Email *string
	Phone *string
	Role  *Role
}

func (p MemberPatch) apply(m *TeamMember) {
	setIf(&m.Name, p.Name)
	setIf(&m.Email, p.Email)
	setIf(&m.Phone, p.Phone)
	setIf(&m.Role, p.Role)
}

// AddTeamMember adds a member to the roster. Elevated roles only.
func (s *Store) AddTeamMember(ctx context.Context, m TeamMember) (TeamMember, error) {
	var result TeamMember
	err := s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("add team members"); err != nil {
			return err
		}
		if m.ID != "" {
			if existing, ok := tx.state.team[m.ID]; ok {
				result = cloneMember(existing)
				return nil
			}
		} else {
			m.ID = s.newID()
		}
		if m.Status == "" {
			m.Status = domain.MemberActive
		}
		if err := s.validate(EntityTeamMember, m); err != nil {
			return err
		}
		m.TotalSales = 0
		m.CommissionEarned = 0
		m.JoinedAt = tx.now
		m.LastLogin = nil
		tx.state.team[m.ID] = m
		tx.recordChange(Change{Entity: EntityTeamMember, Action: domain.ActionCreate, After: cloneMember(m)})
		tx.put(EntityTeamMember, m.ID, cloneMember(m))
		tx.audit(domain.AuditMemberAdded, m.ID, map[string]any{"name": m.Name, "role": string(m.Role)})
		result = cloneMember(m)
		return nil
	})
	return result, err
}

// UpdateTeamMember changes profile fields. Elevated roles only.
func (s *Store) UpdateTeamMember(ctx context.Context, id string, patch MemberPatch) (TeamMember, error) {
	var result TeamMember
	err := s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("update team members"); err != nil {
			return err
		}
		before, ok := tx.state.team[id]
		if !ok {
			return notFound(EntityTeamMember, id)
		}
		after := cloneMember(before)
		patch.apply(&after)
		if err := s.validate(EntityTeamMember, after); err != nil {
			return err
		}
		tx.state.team[id] = after
		tx.recordChange(Change{Entity: EntityTeamMember, Action: domain.ActionUpdate, Before: cloneMember(before), After: cloneMember(after)})
		tx.merge(EntityTeamMember, id, remote.Fields{
			"name":  after.Name,
			"email": after.Email,
			"phone": after.Phone,
			"role":  string(after.Role),
		})
		details := map[string]any{"name": after.Name}
		if after.Role != before.Role {
			details["roleFrom"] = string(before.Role)
			details["roleTo"] = string(after.Role)
		}
		tx.audit(domain.AuditMemberUpdated, id, details)
		result = cloneMember(after)
		return nil
	})
	return result, err
}

// SuspendMember blocks a member's account. Members cannot suspend themselves.
func (s *Store) SuspendMember(ctx context.Context, id string) (TeamMember, error) {
	return s.setMemberStatus(ctx, id, domain.MemberSuspended, domain.AuditMemberSuspended)
}

// ActivateMember reactivates a member's account.
func (s *Store) ActivateMember(ctx context.Context, id string) (TeamMember, error) {
	return s.setMemberStatus(ctx, id, domain.MemberActive, domain.AuditMemberActivated)
}

func (s *Store) setMemberStatus(ctx context.Context, id string, status MemberStatus, action string) (TeamMember, error) {
	var result TeamMember
	err := s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize(fmt.Sprintf("set member status %s", status)); err != nil {
			return err
		}
		before, ok := tx.state.team[id]
		if !ok {
			return notFound(EntityTeamMember, id)
		}
		if status == domain.MemberSuspended && id == tx.actor.ID {
			return invalid(EntityTeamMember, "id", "self", "cannot suspend your own account")
		}
		if before.Status == status {
			result = cloneMember(before)
			return nil
		}
		after := cloneMember(before)
		after.Status = status
		tx.state.team[id] = after
		tx.recordChange(Change{Entity: EntityTeamMember, Action: domain.ActionUpdate, Before: cloneMember(before), After: cloneMember(after)})
		tx.merge(EntityTeamMember, id, remote.Fields{"status": string(status)})
		tx.audit(action, id, map[string]any{
			"name": after.Name,
			"from": string(before.Status),
			"to":   string(status),
		})
		result = cloneMember(after)
		return nil
	})
	return result, err
}

// passwordReset is the document written to the passwordResets collection.
type passwordReset struct {
	MemberID    string `json:"memberId"`
	Email       string `json:"email"`
	RequestedBy string `json:"requestedBy"`
	RequestedAt string `json:"requestedAt"`
}

// ResetMemberPassword files a reset request for the member's email. The
// request is remote-only; delivering the reset is the remote's job.
func (s *Store) ResetMemberPassword(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("reset passwords"); err != nil {
			return err
		}
		m, ok := tx.state.team[id]
		if !ok {
			return notFound(EntityTeamMember, id)
		}
		tx.put(EntityPasswordReset, s.newID(), passwordReset{
			MemberID:    m.ID,
			Email:       m.Email,
			RequestedBy: tx.actorID(),
			RequestedAt: tx.now.Format(timeLayout),
		})
		tx.audit(domain.AuditPasswordReset, id, map[string]any{"email": m.Email})
		return nil
	})
}

// RemoveTeamMember deletes a member. Members cannot remove themselves.
func (s *Store) RemoveTeamMember(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("remove team members"); err != nil {
			return err
		}
		m, ok := tx.state.team[id]
		if !ok {
			return notFound(EntityTeamMember, id)
		}
		if id == tx.actor.ID {
			return invalid(EntityTeamMember, "id", "self", "cannot remove your own account")
		}
		delete(tx.state.team, id)
		tx.recordChange(Change{Entity: EntityTeamMember, Action: domain.ActionDelete, Before: cloneMember(m)})
		tx.remove(EntityTeamMember, id)
		tx.audit(domain.AuditMemberRemoved, id, map[string]any{"name": m.Name, "email": m.Email})
		return nil
	})
}

// ReplaceTeam swaps the whole roster. No effects run.
func (s *Store) ReplaceTeam(ctx context.Context, members []TeamMember) error {
	return s.run(ctx, func(tx *transaction) error {
		next := make(map[string]TeamMember, len(members))
		for _, m := range members {
			next[m.ID] = cloneMember(m)
		}
		tx.state.team = next
		tx.touch(EntityTeamMember)
		return nil
	})
}

// RefreshTeam reloads the roster from the remote store.
func (s *Store) RefreshTeam(ctx context.Context) error {
	members, err := queryAll[TeamMember](ctx, s.remote, EntityTeamMember)
	if err != nil {
		return err
	}
	return s.ReplaceTeam(ctx, members)
}

// TeamMember returns one member.
func (s *Store) TeamMember(id string) (TeamMember, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.team[id]
	return cloneMember(m), ok
}

// Team returns the roster ordered by name.
func (s *Store) Team() []TeamMember {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMembers(s.state.team)
}

func sortedMembers(m map[string]TeamMember) []TeamMember {
	out := make([]TeamMember, 0, len(m))
	for _, member := range m {
		out = append(out, cloneMember(member))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// queryAll runs an unfiltered or filtered QueryOnce and decodes every document.
func queryAll[T any](ctx context.Context, r remote.Adapter, entity EntityType, filters ...remote.Filter) ([]T, error) {
	if r == nil {
		return nil, ErrNoRemote
	}
	docs, err := r.QueryOnce(ctx, string(entity), filters...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", entity, err)
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := remote.Decode[T](doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", entity, doc.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}
