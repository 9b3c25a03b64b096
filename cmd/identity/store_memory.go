package identity

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is a mutex-guarded Store for tests and database-less
// development runs. It mirrors PostgresStore behavior, including the
// unique-email constraint and the token-version bump on password change.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*User
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, now time.Time, email, passwordHash string, roles []string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return User{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return User{}, ErrConflict
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return User{}, err
	}
	u := &User{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		TokenVersion: 1,
		CreatedAt:    now.UTC(),
		Roles:        append([]string(nil), roles...),
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	return cloneUser(u), nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(s.byID[id]), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) GetStatus(ctx context.Context, userID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return Status{}, ErrNotFound
	}
	return Status{TokenVersion: u.TokenVersion, Banned: u.Banned, DeletedAt: u.DeletedAt}, nil
}

func (s *MemoryStore) GetRoles(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), u.Roles...), nil
}

func (s *MemoryStore) SetPassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.TokenVersion++
	return nil
}

func (s *MemoryStore) BumpTokenVersion(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u.TokenVersion++
	return nil
}

// SetBanned flips the ban flag. It exists for admin tooling and tests;
// PostgresStore counterparts live in operational SQL, not in this interface.
func (s *MemoryStore) SetBanned(userID string, banned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[userID]; ok {
		u.Banned = banned
	}
}

// MarkDeleted soft-deletes the user.
func (s *MemoryStore) MarkDeleted(userID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[userID]; ok {
		t := at.UTC()
		u.DeletedAt = &t
	}
}

func cloneUser(u *User) User {
	out := *u
	out.Roles = append([]string(nil), u.Roles...)
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
