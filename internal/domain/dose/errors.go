package dose

import "errors"

var (
	// ErrNotFound reports an occurrence that was never materialized or an unknown
	// patient or prescription.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput reports malformed dates, states or identifiers.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStoreUnavailable reports that the persistence layer cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidTransition is returned by DoseEvent.Apply on a terminal event.
	// Stores turn it into a no-op result; it never reaches request callers.
	ErrInvalidTransition = errors.New("dose event already terminal")
	// ErrNotificationFailure wraps fan-out delivery errors. Only logged.
	ErrNotificationFailure = errors.New("notification delivery failed")
)
