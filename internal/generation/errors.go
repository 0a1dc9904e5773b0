package generation

import "errors"

// Common errors returned by generation services.
var (
	// ErrTransient is returned for network failures, timeouts, rate limiting
	// and 5xx responses. The same call may succeed on a later cycle.
	ErrTransient = errors.New("transient generation service error")

	// ErrCeilingReached is returned when a submission would exceed the
	// service's concurrency ceiling, either the local in-flight limit or the
	// service's own queue limit.
	ErrCeilingReached = errors.New("generation service concurrency ceiling reached")

	// ErrRejected is returned when the service refuses a request outright,
	// for example an invalid prompt or an unknown application id.
	ErrRejected = errors.New("generation request rejected")

	// ErrInvalidResponse is returned when a response cannot be decoded.
	ErrInvalidResponse = errors.New("invalid response from generation service")

	// ErrInvalidConfig is returned when a client is constructed with
	// incomplete settings.
	ErrInvalidConfig = errors.New("invalid generation service configuration")
)

// IsTransient reports whether err may succeed when retried on a later cycle
// without consuming the task's retry budget.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrCeilingReached) ||
		errors.Is(err, ErrInvalidResponse)
}
