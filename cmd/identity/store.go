package identity

import (
	"context"
	"time"
)

// Store abstracts persistence for user accounts.
//
// GetStatus and GetRoles form the read contract the session registry and the
// realtime gateway depend on; the remaining methods serve the auth API.
type Store interface {
	// Create inserts a new user with the given argon2id hash and role set.
	// Returns ErrConflict when the email is taken.
	Create(ctx context.Context, now time.Time, email, passwordHash string, roles []string) (User, error)

	// GetByEmail loads a user (including soft-deleted/banned) for login checks.
	GetByEmail(ctx context.Context, email string) (User, error)

	// GetByID loads a user by id.
	GetByID(ctx context.Context, id string) (User, error)

	// GetStatus returns the live token version / ban / soft-delete state.
	GetStatus(ctx context.Context, userID string) (Status, error)

	// GetRoles returns the user's role labels.
	GetRoles(ctx context.Context, userID string) ([]string, error)

	// SetPassword replaces the password hash and bumps the token version,
	// invalidating every previously issued access token.
	SetPassword(ctx context.Context, userID, passwordHash string) error

	// BumpTokenVersion increments the token version without a password change
	// (forced logout-all / ban enforcement).
	BumpTokenVersion(ctx context.Context, userID string) error
}
