package serrors

import (
	"fmt"
	"iter"

	"github.com/go-playground/validator/v10"
)

// BaseError is a coded error that crosses package boundaries unchanged.
type BaseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	LocaleKey string `json:"-"`
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		LocaleKey: localeKey,
	}
}

func (e *BaseError) Error() string {
	return e.Message
}

// Wrap attaches the coded error to a cause, preserving errors.Is/As for both.
func (e *BaseError) Wrap(cause error) error {
	if cause == nil {
		return e
	}
	return &wrapped{base: e, cause: cause}
}

type wrapped struct {
	base  *BaseError
	cause error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %v", w.base.Message, w.cause)
}

func (w *wrapped) Unwrap() []error {
	return []error{w.base, w.cause}
}

// ValidationErrors maps a JSON field name to a human readable message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	return fmt.Sprintf("%d invalid field(s)", len(v))
}

// ProcessValidatorErrors yields one message per failed field. fieldName maps
// the struct field to its public name; an empty result falls back to the
// validator's field name.
func ProcessValidatorErrors(errs validator.ValidationErrors, fieldName func(string) string) iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, fe := range errs {
			name := fieldName(fe.Field())
			if name == "" {
				name = fe.Field()
			}
			if !yield(name, describe(fe)) {
				return
			}
		}
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
