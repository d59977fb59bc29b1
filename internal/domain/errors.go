package domain

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation wraps every ladder rule violation.
	ErrValidation = errors.New("validation failed")

	// ErrQuoteUnavailable is returned when no usable live price can be obtained.
	ErrQuoteUnavailable = errors.New("live quote unavailable")

	// ErrQuoteExpired is returned when a quote lock is consumed after its expiry.
	ErrQuoteExpired = errors.New("live quote lock expired")

	// ErrConflict is returned when a conditional write lost a race.
	ErrConflict = errors.New("concurrent modification")

	// ErrSignalClosed is returned when a write targets a closed or cancelled signal.
	ErrSignalClosed = errors.New("signal is not open")

	// ErrNotPending is returned when a ladder row is no longer editable.
	ErrNotPending = errors.New("take-profit update is no longer pending")

	// ErrMalformedEvent is returned for event payloads that cannot be parsed.
	ErrMalformedEvent = errors.New("malformed event payload")

	// ErrForbidden is returned when the actor may not change the signal.
	ErrForbidden = errors.New("forbidden")

	// ErrBreakevenNotAllowed is returned when the stop cannot be moved to entry.
	ErrBreakevenNotAllowed = errors.New("break-even not allowed")
)
