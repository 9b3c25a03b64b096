package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on storefront.token_families and
// storefront.refresh_tokens.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx runs fn inside a transaction, committing iff fn returns nil.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const familyColumns = `id, user_id, created_at, revoked_at, COALESCE(revocation_reason, ''), rotation_count, last_rotated_at`

func (s *PostgresStore) GetFamily(ctx context.Context, familyID string) (Family, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+familyColumns+`
		FROM storefront.token_families
		WHERE id = $1
	`, familyID)
	return scanFamily(row)
}

func (s *PostgresStore) ListFamilies(ctx context.Context, userID string) ([]Family, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+familyColumns+`
		FROM storefront.token_families
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Family
	for rows.Next() {
		f, err := scanFamily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) CreateFamily(ctx context.Context, fam Family) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO storefront.token_families (id, user_id, created_at, rotation_count)
		VALUES ($1, $2, $3, 0)
	`, fam.ID, fam.UserID, fam.CreatedAt)
	return err
}

func (t pgTx) GetFamilyForUpdate(ctx context.Context, familyID string) (Family, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+familyColumns+`
		FROM storefront.token_families
		WHERE id = $1
		FOR UPDATE
	`, familyID)
	return scanFamily(row)
}

func (t pgTx) GetRecordForUpdate(ctx context.Context, jti string) (RefreshRecord, error) {
	var (
		rec       RefreshRecord
		rotatedTo *string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT jti, family_id, issued_at, expires_at, consumed, rotated_to
		FROM storefront.refresh_tokens
		WHERE jti = $1
		FOR UPDATE
	`, jti).Scan(&rec.JTI, &rec.FamilyID, &rec.IssuedAt, &rec.ExpiresAt, &rec.Consumed, &rotatedTo)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return RefreshRecord{}, err
	}
	rec.RotatedTo = rotatedTo
	return rec, nil
}

func (t pgTx) InsertRecord(ctx context.Context, rec RefreshRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO storefront.refresh_tokens (jti, family_id, issued_at, expires_at, consumed)
		VALUES ($1, $2, $3, $4, FALSE)
	`, rec.JTI, rec.FamilyID, rec.IssuedAt, rec.ExpiresAt)
	return err
}

func (t pgTx) MarkConsumed(ctx context.Context, jti, rotatedTo string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE storefront.refresh_tokens
		SET consumed = TRUE, rotated_to = $2
		WHERE jti = $1
	`, jti, rotatedTo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (t pgTx) BumpRotation(ctx context.Context, now time.Time, familyID string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE storefront.token_families
		SET rotation_count = rotation_count + 1, last_rotated_at = $2
		WHERE id = $1
	`, familyID, now.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (t pgTx) RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE storefront.token_families
		SET revoked_at = $2, revocation_reason = $3
		WHERE id = $1 AND revoked_at IS NULL
	`, familyID, now.UTC(), reason)
	return err
}

func (t pgTx) RevokeAllForUser(ctx context.Context, now time.Time, userID, reason string) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE storefront.token_families
		SET revoked_at = $2, revocation_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now.UTC(), reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFamily(row rowScanner) (Family, error) {
	var f Family
	err := row.Scan(&f.ID, &f.UserID, &f.CreatedAt, &f.RevokedAt, &f.RevocationReason, &f.RotationCount, &f.LastRotatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Family{}, ErrSessionNotFound
	}
	if err != nil {
		return Family{}, err
	}
	return f, nil
}
