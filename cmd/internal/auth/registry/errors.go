package registry

import "errors"

var (
	// ErrInvalidRefreshToken covers malformed, expired, and unknown tokens.
	// Callers must not learn which of the three it was.
	ErrInvalidRefreshToken = errors.New("registry: invalid refresh token")

	// ErrSessionRevoked means the token's family was already revoked.
	ErrSessionRevoked = errors.New("registry: session revoked")

	// ErrTokenReuseDetected means an already-consumed token was presented.
	// The family has been revoked as a precaution by the time this returns.
	ErrTokenReuseDetected = errors.New("registry: token reuse detected")

	// ErrMaxRotationExceeded means the family hit its rotation ceiling
	// and has been revoked.
	ErrMaxRotationExceeded = errors.New("registry: max rotations exceeded")

	ErrUserBanned  = errors.New("registry: user banned")
	ErrUserDeleted = errors.New("registry: user deleted")

	ErrSessionNotFound = errors.New("registry: session not found")

	// ErrForbidden means the session exists but belongs to another user.
	ErrForbidden = errors.New("registry: forbidden")

	ErrConfig = errors.New("registry: invalid configuration")
)
