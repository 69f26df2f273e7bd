package validation

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RequestValidator validates decoded request bodies from their `validate`
// tags. It satisfies echo.Validator.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator creates a validator that reports fields by their
// JSON names
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{validate: v}
}

// Validate checks i and returns validator.ValidationErrors on failure
func (v *RequestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// FieldErrors flattens a validation failure into field -> rule. Errors that
// are not validation errors come back under "request".
func FieldErrors(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"request": err.Error()}
	}

	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out[fieldPath(fe)] = rule
	}
	return out
}

// Summary renders FieldErrors as one sorted line
func Summary(err error) string {
	fields := FieldErrors(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, fields[k])
	}
	return strings.Join(parts, "; ")
}

// fieldPath drops the top-level struct name from the namespace
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
