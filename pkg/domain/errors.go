package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched by the typed errors below through errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("not found")
)

// FieldProblem describes one rejected input field.
type FieldProblem struct {
	Field   string
	Rule    string
	Message string
}

// ValidationError is returned when a payload is rejected before any mutation.
type ValidationError struct {
	Entity   EntityType
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Message != "" {
			parts = append(parts, p.Field+": "+p.Message)
			continue
		}
		parts = append(parts, p.Field+": failed "+p.Rule)
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(parts, "; "))
}

// Is reports ErrValidation equivalence.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthorizationError is returned when the session role may not run an operation.
type AuthorizationError struct {
	Action string
	Role   Role
}

func (e *AuthorizationError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "anonymous"
	}
	return fmt.Sprintf("role %s may not %s", role, e.Action)
}

// Is reports ErrForbidden equivalence.
func (e *AuthorizationError) Is(target error) bool { return target == ErrForbidden }

// NotFoundError is returned by targeted operations on an absent ID.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is reports ErrNotFound equivalence.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
