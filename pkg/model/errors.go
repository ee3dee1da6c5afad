// Package model holds the domain types shared by the parser, the flow
// engine, the store and the HTTP API, plus the sentinel errors the API
// layer maps to status codes.
package model

import "errors"

var (
	// ErrNotFound maps to 404.
	ErrNotFound = errors.New("not found")

	// ErrConflict maps to 409.
	ErrConflict = errors.New("conflict")

	// ErrValidation maps to 400.
	ErrValidation = errors.New("validation failed")

	// ErrJobConflict is returned when an import, purge or cleanup job
	// would overlap with one already running. Maps to 409.
	ErrJobConflict = errors.New("a conflicting job is already running")

	// ErrJobNotCancellable is returned when cancel is requested on a
	// job that already reached a terminal state. Maps to 409.
	ErrJobNotCancellable = errors.New("job is not cancellable")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
