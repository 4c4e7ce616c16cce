package delivery

import (
	"fmt"

	"github.com/iota-uz/telemetry-sdk/pkg/serrors"
)

var (
	ErrInvalidConfig = serrors.NewError("DELIVERY_INVALID_CONFIG", "invalid delivery configuration", "")
	ErrStorage       = serrors.NewError("DELIVERY_STORAGE", "event storage failure", "")
	ErrTransientSend = serrors.NewError("DELIVERY_TRANSIENT_SEND", "transient send failure", "")
	ErrPermanentSend = serrors.NewError("DELIVERY_PERMANENT_SEND", "permanent send failure", "")
	ErrExpired       = serrors.NewError("DELIVERY_EXPIRY_DROP", "event exceeded retention horizon", "")
	ErrStopped       = serrors.NewError("DELIVERY_STOPPED", "scheduler stopped", "")
)

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}

// StorageError wraps a store failure so callers can match ErrStorage.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Transient marks err as retriable regardless of classifier configuration.
func Transient(err error) error {
	if err == nil {
		return ErrTransientSend
	}
	return fmt.Errorf("%w: %w", ErrTransientSend, err)
}

// Permanent marks err as non-retriable regardless of classifier configuration.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanentSend
	}
	return fmt.Errorf("%w: %w", ErrPermanentSend, err)
}

// StatusError is returned by transport senders for a non-2xx collector response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded with status %d", e.Code)
	}
	return fmt.Sprintf("collector responded with status %d: %s", e.Code, e.Body)
}
