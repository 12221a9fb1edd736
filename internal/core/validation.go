package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"estatecrm/pkg/domain"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report JSON field names so problems match the document shape
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks record against its struct tags and returns a
// *domain.ValidationError listing every failing field.
func (s *Store) validate(entity EntityType, record any) error {
	err := s.validator.Struct(record)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s: %w", entity, err)
	}
	problems := make([]domain.FieldProblem, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, domain.FieldProblem{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: problemMessage(fe),
		})
	}
	return &domain.ValidationError{Entity: entity, Problems: problems}
}

func problemMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be an email address"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	}
	return fmt.Sprintf("failed %s %s", fe.Tag(), fe.Param())
}

// invalid builds a single-field validation error for checks struct tags cannot express.
func invalid(entity EntityType, field, rule, message string) error {
	return &domain.ValidationError{Entity: entity, Problems: []domain.FieldProblem{{Field: field, Rule: rule, Message: message}}}
}
