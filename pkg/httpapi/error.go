package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iota-uz/telemetry-sdk/pkg/serrors"
)

// ErrorEnvelope standardizes JSON error responses for API namespaces.
type ErrorEnvelope struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	if w == nil {
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, message string, meta map[string]string) error {
	return WriteJSON(w, status, &ErrorEnvelope{
		Code:    code,
		Message: message,
		Meta:    meta,
	})
}

// WriteValidationError reports field failures as meta, keyed by field name.
func WriteValidationError(w http.ResponseWriter, errs serrors.ValidationErrors) error {
	meta := make(map[string]string, len(errs))
	for field, err := range errs {
		meta[field] = err.Message
	}
	return WriteError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "request validation failed", meta)
}

// WriteServiceError maps a coded error to status, falling back to 500 for anything else.
func WriteServiceError(w http.ResponseWriter, status int, err error) error {
	var validation serrors.ValidationErrors
	if errors.As(err, &validation) {
		return WriteValidationError(w, validation)
	}
	var base *serrors.BaseError
	if errors.As(err, &base) {
		return WriteError(w, status, base.Code, err.Error(), nil)
	}
	return WriteError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error", nil)
}
