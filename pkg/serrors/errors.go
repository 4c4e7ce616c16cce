package serrors

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// BaseError is a coded error shared across packages. Sentinels built with
// NewError are compared with errors.Is and unpacked with errors.As.
type BaseError struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	LocaleKey    string            `json:"locale_key,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
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

// WithTemplateData returns a copy carrying data; the receiver is left untouched
// so package-level sentinels stay immutable.
func (e *BaseError) WithTemplateData(data map[string]string) *BaseError {
	cp := *e
	cp.TemplateData = data
	return &cp
}

// Is matches any BaseError with the same code.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

type ValidationErrors map[string]*BaseError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for field, err := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", field, err.Message))
	}
	return strings.Join(parts, "; ")
}

func NewFieldRequiredError(field, localeKey string) *BaseError {
	return NewError("FIELD_REQUIRED", field+" is required", localeKey)
}

func NewFieldInvalidError(field, tag, localeKey string) *BaseError {
	return NewError("FIELD_INVALID", fmt.Sprintf("%s failed %q validation", field, tag), localeKey)
}

// ProcessValidatorErrors maps validator failures to coded field errors.
// fieldLocaleKey may return "" when the field has no translation.
func ProcessValidatorErrors(errs validator.ValidationErrors, fieldLocaleKey func(field string) string) ValidationErrors {
	out := make(ValidationErrors, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		key := ""
		if fieldLocaleKey != nil {
			key = fieldLocaleKey(field)
		}
		if fe.Tag() == "required" {
			out[field] = NewFieldRequiredError(field, key)
			continue
		}
		out[field] = NewFieldInvalidError(field, fe.Tag(), key)
	}
	return out
}
