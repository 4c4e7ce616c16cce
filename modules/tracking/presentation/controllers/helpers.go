package controllers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/httpapi"
	"github.com/iota-uz/telemetry-sdk/pkg/middleware"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, "TRACKING_INVALID_JSON", "invalid json", nil)
		return false
	}
	return true
}

// writeTrackingError maps delivery errors to HTTP; storage failures are the only 5xx.
func writeTrackingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrStorage):
		if log, ok := middleware.LoggerFromContext(r.Context()); ok {
			log.WithError(err).Error("tracking: storage failure")
		}
		_ = httpapi.WriteError(w, http.StatusServiceUnavailable, delivery.ErrStorage.Code, "event storage unavailable", nil)
	default:
		_ = httpapi.WriteServiceError(w, http.StatusBadRequest, err)
	}
}
