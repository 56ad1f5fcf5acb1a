package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a venue failure into the handling class the caller
// needs: retry, resync, abort, or halt.
type ErrorKind int

const (
	// KindTransient covers network errors, timeouts, and 5xx responses.
	KindTransient ErrorKind = iota
	// KindRateLimit covers request-weight bans and 429 responses.
	KindRateLimit
	// KindClockDrift means the request timestamp fell outside the venue's
	// receive window; the caller should resync server time, not retry blindly.
	KindClockDrift
	// KindRejected is a venue rejection with business meaning (insufficient
	// margin, quantity below notional, leverage unavailable). Never retried.
	KindRejected
	// KindCritical marks failures that must halt the bot.
	KindCritical
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindClockDrift:
		return "CLOCK_DRIFT"
	case KindRejected:
		return "REJECTED"
	case KindCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// APIError is a classified venue error. VenueCode carries the raw numeric
// code from the exchange, zero when the failure never reached the venue.
type APIError struct {
	Kind      ErrorKind
	VenueCode int
	Msg       string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.VenueCode != 0 {
		return fmt.Sprintf("exchange: %s (code %d): %s", e.Kind, e.VenueCode, e.Msg)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError constructs a classified error. Retryable defaults from the kind.
func NewAPIError(kind ErrorKind, venueCode int, msg string, err error) *APIError {
	return &APIError{
		Kind:      kind,
		VenueCode: venueCode,
		Msg:       msg,
		Retryable: kind == KindTransient || kind == KindRateLimit,
		Err:       err,
	}
}

// KindOf extracts the ErrorKind from err. Unclassified errors (plain network
// failures wrapped by callers) are treated as transient.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	// Unclassified errors are assumed transient.
	return true
}
