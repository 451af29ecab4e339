package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/flowdesk/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("isodate", isISODate); err != nil {
		panic(fmt.Sprintf("schema: register isodate: %v", err))
	}
	return v
}

func isISODate(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return true
	}
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

// Validate checks details against the per-type rules of t. It returns a
// VALIDATION_ERROR envelope listing every failing field, or nil.
func Validate(t model.RuleType, d model.Details) error {
	if t == "" {
		return fieldError("type", "required", "Rule type is required")
	}
	if !model.IsKnownType(t) {
		return fieldError("type", "unknown", fmt.Sprintf("Unknown rule type %q", t))
	}
	if d == nil {
		d = model.ZeroDetails(t)
	}
	if _, generic := d.(model.GenericDetails); generic {
		return fieldError("details", "invalid", fmt.Sprintf("Details do not match the %s rule shape", t))
	}
	if d.RuleType() != t {
		return fieldError("details", "mismatch",
			fmt.Sprintf("Details for %s given to a %s rule", d.RuleType(), t))
	}

	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate %s details: %w", t, err)
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: message(fe),
		})
	}
	return model.NewValidationError(details)
}

// ValidateKind checks t is a known type of the expected kind, then its details.
func ValidateKind(kind model.RuleKind, t model.RuleType, d model.Details, kindOf func(model.RuleType) (model.RuleKind, bool)) error {
	if err := Validate(t, d); err != nil {
		return err
	}
	if got, ok := kindOf(t); ok && got != kind {
		return fieldError("type", "kind", fmt.Sprintf("%s is not a %s type", t, kind))
	}
	return nil
}

// Decode converts a raw details map into the typed variant for t and
// applies defaults. Unknown types yield GenericDetails.
func Decode(t model.RuleType, m map[string]any) (model.Details, error) {
	d, err := model.DetailsFromMap(t, m)
	if err != nil {
		return nil, fieldError("details", "invalid", err.Error())
	}
	return model.ApplyDefaults(d), nil
}

func message(fe validator.FieldError) string {
	label := FormatLabel(fe.Field())
	switch fe.Tag() {
	case "required", "required_without":
		return label + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", label, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return label + " must be a valid URL"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", label, fe.Param())
	case "isodate":
		return label + " must be an ISO 8601 date"
	}
	return fmt.Sprintf("%s is invalid (%s)", label, fe.Tag())
}

func fieldError(field, code, msg string) *model.ErrorEnvelope {
	return model.NewValidationError([]model.FieldError{{Field: field, Code: code, Message: msg}})
}
