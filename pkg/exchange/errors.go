package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by StatusClient when the venue has no record
// of the client order id.
var ErrOrderNotFound = errors.New("exchange: order not found")

// ProtocolError classifies a venue failure. Transient failures (timeouts,
// rate limiting, connectivity) may be retried with the same client order id;
// permanent failures (auth, invalid instrument, venue rejection) must not.
type ProtocolError struct {
	Code      string
	Msg       string
	Transient bool
}

func (e *ProtocolError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("exchange: %s protocol error %s: %s", kind, e.Code, e.Msg)
}

// NewTransient builds a retryable protocol error.
func NewTransient(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...), Transient: true}
}

// NewPermanent builds a non-retryable protocol error.
func NewPermanent(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...), Transient: false}
}

// IsTransient reports whether err is a retryable protocol error. Errors that
// are not ProtocolError at all (transport-level failures wrapped by callers)
// are treated as transient so the caller's bounded retry decides.
func IsTransient(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return true
}

// IsPermanent reports whether err is a classified permanent failure.
func IsPermanent(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return !pe.Transient
	}
	return false
}
