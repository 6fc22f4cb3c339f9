package domain

import "errors"

// Business logic errors shared by the stores, the delivery coordinator and
// the transports. Wrap with fmt.Errorf("...: %w") and test with errors.Is.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrEmptyContent      = errors.New("message cannot be empty")
	ErrForbidden         = errors.New("forbidden")
	ErrEditWindowExpired = errors.New("edit window expired")
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")

	// ErrConflict is raised by storage when a uniqueness constraint rejects
	// a write. The chat index resolves it internally.
	ErrConflict = errors.New("conflict")
)
