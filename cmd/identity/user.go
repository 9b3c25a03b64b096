package identity

import "time"

// User is a storefront account.
type User struct {
	ID           string
	Email        string
	PasswordHash string

	// TokenVersion invalidates all previously issued access tokens when
	// bumped (password change, forced logout-all).
	TokenVersion int

	Banned    bool
	DeletedAt *time.Time
	CreatedAt time.Time

	Roles []string
}

// Status is the live revocation state read at token verification time.
type Status struct {
	TokenVersion int
	Banned       bool
	DeletedAt    *time.Time
}

// Deleted reports whether the user is soft-deleted.
func (s Status) Deleted() bool { return s.DeletedAt != nil }

// Active reports whether tokens may be issued or honored for this user.
func (s Status) Active() bool { return !s.Banned && s.DeletedAt == nil }
