package token

import "errors"

var (
	// ErrTokenExpired is returned when a structurally valid token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenMalformed is returned when a token fails signature or structural checks.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrConfig is returned for invalid codec configuration (bad or missing keys).
	ErrConfig = errors.New("invalid token config")
)
