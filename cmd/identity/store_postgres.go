package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store on storefront.users / storefront.user_roles.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed user store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts the user and its role rows.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, email, passwordHash string, roles []string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return User{}, ErrInvalidInput
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO storefront.users (id, email, password_hash, token_version, banned, created_at)
		VALUES ($1, $2, $3, 1, FALSE, $4)
	`, id.String(), email, passwordHash, now)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation: email taken.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrConflict
		}
		return User{}, err
	}

	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO storefront.user_roles (user_id, role)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, id.String(), role); err != nil {
			return User{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return User{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		TokenVersion: 1,
		CreatedAt:    now,
		Roles:        roles,
	}, nil
}

// GetByEmail loads a user row by normalized email.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.getBy(ctx, `WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

// GetByID loads a user row by id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (User, error) {
	return s.getBy(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) getBy(ctx context.Context, where string, arg string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, token_version, banned, deleted_at, created_at
		FROM storefront.users
	`+where, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.TokenVersion, &u.Banned, &u.DeletedAt, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}

	roles, err := s.GetRoles(ctx, u.ID)
	if err != nil {
		return User{}, err
	}
	u.Roles = roles
	return u, nil
}

// GetStatus returns the live token version / ban / delete state.
func (s *PostgresStore) GetStatus(ctx context.Context, userID string) (Status, error) {
	var st Status
	err := s.pool.QueryRow(ctx, `
		SELECT token_version, banned, deleted_at
		FROM storefront.users
		WHERE id = $1
	`, userID).Scan(&st.TokenVersion, &st.Banned, &st.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// GetRoles returns the user's role labels.
func (s *PostgresStore) GetRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role FROM storefront.user_roles WHERE user_id = $1 ORDER BY role
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// SetPassword replaces the hash and bumps token_version in one statement so
// the invalidation of outstanding access tokens is atomic with the change.
func (s *PostgresStore) SetPassword(ctx context.Context, userID, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE storefront.users
		SET password_hash = $2,
		    token_version = token_version + 1
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpTokenVersion increments token_version without touching the password.
func (s *PostgresStore) BumpTokenVersion(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE storefront.users
		SET token_version = token_version + 1
		WHERE id = $1
	`, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
