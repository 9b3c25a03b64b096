package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/token"
)

// Integration tests are enabled when SF_DATABASE_URL is set and migrations
// have been applied. Without it, they skip so local runs stay fast.

func integrationSetup(ctx context.Context, t *testing.T) (*Service, *pgxpool.Pool, string) {
	t.Helper()

	dbURL := os.Getenv("SF_DATABASE_URL")
	if dbURL == "" {
		t.Skip("SF_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("Postgres unreachable: %v", err)
	}

	pem, err := token.GeneratePrivateKeyPEM()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tcfg := token.DefaultConfig()
	tcfg.PrivateKeyPEM = pem
	codec, err := token.NewCodec(tcfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	users := identity.NewPostgresStore(pool)
	userID := mustCreateUser(ctx, t, pool, users)

	svc, err := NewService(DefaultConfig(), NewPostgresStore(pool), codec, users)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, pool, userID
}

func mustCreateUser(ctx context.Context, t *testing.T, pool *pgxpool.Pool, users *identity.PostgresStore) string {
	t.Helper()

	suffix, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	u, err := users.Create(ctx, time.Now(), "it-"+suffix.String()+"@example.test", "hash", []string{"customer"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() { cleanupUserData(ctx, t, pool, u.ID) })
	return u.ID
}

func cleanupUserData(ctx context.Context, t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	for _, q := range []string{
		`DELETE FROM storefront.refresh_tokens WHERE family_id IN (SELECT id FROM storefront.token_families WHERE user_id = $1)`,
		`DELETE FROM storefront.token_families WHERE user_id = $1`,
		`DELETE FROM storefront.user_roles WHERE user_id = $1`,
		`DELETE FROM storefront.users WHERE id = $1`,
	} {
		if _, err := pool.Exec(ctx, q, userID); err != nil {
			t.Errorf("cleanup: %v", err)
		}
	}
}

func TestPostgresRegistry_StartAndRotate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, pool, userID := integrationSetup(ctx, t)

	now := time.Now().UTC()
	pair, err := svc.StartFamily(ctx, now, userID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}

	next, err := svc.Rotate(ctx, now.Add(2*time.Second), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.FamilyID != pair.FamilyID {
		t.Fatalf("rotation changed family: %q -> %q", pair.FamilyID, next.FamilyID)
	}

	var (
		rotationCount int
		consumed      bool
		rotatedTo     *string
	)
	err = pool.QueryRow(ctx, `
		SELECT f.rotation_count, r.consumed, r.rotated_to
		FROM storefront.token_families f
		JOIN storefront.refresh_tokens r ON r.family_id = f.id
		WHERE f.id = $1 AND r.consumed
	`, pair.FamilyID).Scan(&rotationCount, &consumed, &rotatedTo)
	if err != nil {
		t.Fatalf("inspect rows: %v", err)
	}
	if rotationCount != 1 || !consumed || rotatedTo == nil {
		t.Fatalf("rotation_count=%d consumed=%v rotated_to=%v", rotationCount, consumed, rotatedTo)
	}
}

func TestPostgresRegistry_ReuseDetected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, userID := integrationSetup(ctx, t)

	now := time.Now().UTC()
	pair, err := svc.StartFamily(ctx, now, userID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	next, err := svc.Rotate(ctx, now.Add(1*time.Second), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := svc.Rotate(ctx, now.Add(2*time.Second), pair.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay: got %v, want ErrTokenReuseDetected", err)
	}
	if _, err := svc.Rotate(ctx, now.Add(3*time.Second), next.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("successor: got %v, want ErrSessionRevoked", err)
	}
}

func TestPostgresRegistry_LogoutRevokes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, userID := integrationSetup(ctx, t)

	now := time.Now().UTC()
	pair, err := svc.StartFamily(ctx, now, userID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	if err := svc.Logout(ctx, now.Add(1*time.Second), pair.FamilyID, userID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Rotate(ctx, now.Add(2*time.Second), pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("got %v, want ErrSessionRevoked", err)
	}
}
