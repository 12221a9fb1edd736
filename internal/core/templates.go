package core

import (
	"context"
	"sort"

	"estatecrm/pkg/domain"
)

// TemplatePatch lists the template fields an update may change.
type TemplatePatch struct {
	Title   *string
	Content *string
	Channel *Channel
}

// AddTemplate stores a message template. A duplicate ID is a no-op.
func (s *Store) AddTemplate(ctx context.Context, t MessageTemplate) (MessageTemplate, error) {
	var result MessageTemplate
	err := s.run(ctx, func(tx *transaction) error {
		if t.ID != "" {
			if existing, ok := tx.state.templates[t.ID]; ok {
				result = existing
				return nil
			}
		} else {
			t.ID = s.newID()
		}
		if err := s.validate(EntityTemplate, t); err != nil {
			return err
		}
		t.CreatedAt = tx.now
		t.UpdatedAt = tx.now
		tx.state.templates[t.ID] = t
		tx.recordChange(Change{Entity: EntityTemplate, Action: domain.ActionCreate, After: t})
		tx.put(EntityTemplate, t.ID, t)
		result = t
		return nil
	})
	return result, err
}

// UpdateTemplate applies patch to a template.
func (s *Store) UpdateTemplate(ctx context.Context, id string, patch TemplatePatch) (MessageTemplate, error) {
	var result MessageTemplate
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.templates[id]
		if !ok {
			return notFound(EntityTemplate, id)
		}
		after := before
		setIf(&after.Title, patch.Title)
		setIf(&after.Content, patch.Content)
		setIf(&after.Channel, patch.Channel)
		if err := s.validate(EntityTemplate, after); err != nil {
			return err
		}
		after.UpdatedAt = tx.now
		tx.state.templates[id] = after
		tx.recordChange(Change{Entity: EntityTemplate, Action: domain.ActionUpdate, Before: before, After: after})
		tx.put(EntityTemplate, id, after)
		result = after
		return nil
	})
	return result, err
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		t, ok := tx.state.templates[id]
		if !ok {
			return notFound(EntityTemplate, id)
		}
		delete(tx.state.templates, id)
		tx.recordChange(Change{Entity: EntityTemplate, Action: domain.ActionDelete, Before: t})
		tx.remove(EntityTemplate, id)
		tx.audit(domain.AuditTemplateDeleted, id, map[string]any{"title": t.Title})
		return nil
	})
}

// RefreshTemplates reloads every template from the remote store.
func (s *Store) RefreshTemplates(ctx context.Context) error {
	templates, err := queryAll[MessageTemplate](ctx, s.remote, EntityTemplate)
	if err != nil {
		return err
	}
	return s.run(ctx, func(tx *transaction) error {
		next := make(map[string]MessageTemplate, len(templates))
		for _, t := range templates {
			next[t.ID] = t
		}
		tx.state.templates = next
		tx.touch(EntityTemplate)
		return nil
	})
}

// Templates returns every template ordered by title.
func (s *Store) Templates() []MessageTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageTemplate, 0, len(s.state.templates))
	for _, t := range s.state.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}
