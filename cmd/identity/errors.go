package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrNotFound     = errors.New("user not found")
	ErrConflict     = errors.New("email already in use")
	ErrInvalidInput = errors.New("invalid input")
)

// IsNotFound reports whether err is the not-found kind.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
