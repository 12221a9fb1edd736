package core

import (
	"context"
	"sort"

	"estatecrm/pkg/domain"
)

// PropertyPatch lists the property fields an update may change.
type PropertyPatch struct {
	Name           *string
	Developer      *string
	Type           *string
	Location       *string
	Price          *float64
	Status         *PropertyStatus
	CommissionRate *float64
	AgentID        *string
	Bedrooms       *int
	Bathrooms      *int
	Sqft           *int
}

func (p PropertyPatch) apply(prop *Property) {
	setIf(&prop.Name, p.Name)
	setIf(&prop.Developer, p.Developer)
	setIf(&prop.Type, p.Type)
	setIf(&prop.Location, p.Location)
	setIf(&prop.Price, p.Price)
	setIf(&prop.Status, p.Status)
	setIf(&prop.CommissionRate, p.CommissionRate)
	setIf(&prop.AgentID, p.AgentID)
	setIf(&prop.Bedrooms, p.Bedrooms)
	setIf(&prop.Bathrooms, p.Bathrooms)
	setIf(&prop.Sqft, p.Sqft)
}

// AddProperty lists a property and runs the smart inventory match. A
// duplicate ID is a no-op returning the stored property.
func (s *Store) AddProperty(ctx context.Context, p Property) (Property, error) {
	var result Property
	err := s.run(ctx, func(tx *transaction) error {
		if p.ID != "" {
			if existing, ok := tx.state.properties[p.ID]; ok {
				result = cloneProperty(existing)
				return nil
			}
		} else {
			p.ID = s.newID()
		}
		if p.Status == "" {
			p.Status = PropertyAvailable
		}
		if err := s.validate(EntityProperty, p); err != nil {
			return err
		}
		p.CreatedAt = tx.now
		p.UpdatedAt = tx.now
		applyPropertyCommission(nil, &p, tx)
		tx.state.properties[p.ID] = p
		tx.recordChange(Change{Entity: EntityProperty, Action: domain.ActionCreate, After: cloneProperty(p)})
		tx.put(EntityProperty, p.ID, cloneProperty(p))
		result = cloneProperty(p)
		return nil
	})
	return result, err
}

// UpdateProperty applies patch to an existing property.
func (s *Store) UpdateProperty(ctx context.Context, id string, patch PropertyPatch) (Property, error) {
	var result Property
	err := s.run(ctx, func(tx *transaction) error {
		before, ok := tx.state.properties[id]
		if !ok {
			return notFound(EntityProperty, id)
		}
		after := cloneProperty(before)
		patch.apply(&after)
		if err := s.validate(EntityProperty, after); err != nil {
			return err
		}
		applyPropertyCommission(&before, &after, tx)
		after.UpdatedAt = tx.now
		tx.state.properties[id] = after
		tx.recordChange(Change{Entity: EntityProperty, Action: domain.ActionUpdate, Before: cloneProperty(before), After: cloneProperty(after)})
		tx.put(EntityProperty, id, cloneProperty(after))
		result = cloneProperty(after)
		return nil
	})
	return result, err
}

// DeleteProperty removes a listing. Elevated roles only.
func (s *Store) DeleteProperty(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *transaction) error {
		if err := tx.authorize("delete a property"); err != nil {
			return err
		}
		p, ok := tx.state.properties[id]
		if !ok {
			return notFound(EntityProperty, id)
		}
		delete(tx.state.properties, id)
		tx.recordChange(Change{Entity: EntityProperty, Action: domain.ActionDelete, Before: cloneProperty(p)})
		tx.remove(EntityProperty, id)
		tx.audit(domain.AuditPropertyDeleted, id, map[string]any{"name": p.Name, "status": string(p.Status)})
		return nil
	})
}

// Property returns one property.
func (s *Store) Property(id string) (Property, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.properties[id]
	return cloneProperty(p), ok
}

// Properties returns every property, newest first.
func (s *Store) Properties() []Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Property, 0, len(s.state.properties))
	for _, p := range s.state.properties {
		out = append(out, cloneProperty(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
