package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/token"
)

func newTestService(t *testing.T, cfg Config) (*Service, *identity.MemoryStore, identity.User) {
	t.Helper()

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

	users := identity.NewMemoryStore()
	u, err := users.Create(context.Background(), time.Now(), "shopper@example.com", "hash", []string{"customer"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	svc, err := NewService(cfg, NewMemoryStore(), codec, users)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, users, u
}

func TestStartFamilyAndRotate(t *testing.T) {
	ctx := context.Background()
	svc, _, u := newTestService(t, DefaultConfig())
	now := time.Now()

	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	if pair.FamilyID == "" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("incomplete pair: %+v", pair)
	}

	next, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.FamilyID != pair.FamilyID {
		t.Fatalf("rotation changed family: %q -> %q", pair.FamilyID, next.FamilyID)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	sessions, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].RotationCount != 1 {
		t.Fatalf("sessions = %+v, want one family with rotation count 1", sessions)
	}
}

func TestRotateConsumedTokenRevokesFamily(t *testing.T) {
	ctx := context.Background()
	svc, _, u := newTestService(t, DefaultConfig())
	now := time.Now()

	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	next, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Replaying the consumed token is treated as theft.
	if _, err := svc.Rotate(ctx, now.Add(2*time.Minute), pair.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("replay: got %v, want ErrTokenReuseDetected", err)
	}

	// The legitimate successor is collateral damage: the family is gone.
	if _, err := svc.Rotate(ctx, now.Add(3*time.Minute), next.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("successor after reuse: got %v, want ErrSessionRevoked", err)
	}

	sessions, err := svc.ListSessions(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("revoked family still listed: %+v", sessions)
	}
}

func TestRotateCeilingRevokesFamily(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxRotations = 3
	svc, _, u := newTestService(t, cfg)
	now := time.Now()

	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	for i := 0; i < cfg.MaxRotations; i++ {
		now = now.Add(time.Minute)
		pair, err = svc.Rotate(ctx, now, pair.RefreshToken)
		if err != nil {
			t.Fatalf("rotation %d: %v", i+1, err)
		}
	}

	if _, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken); !errors.Is(err, ErrMaxRotationExceeded) {
		t.Fatalf("got %v, want ErrMaxRotationExceeded", err)
	}
	if _, err := svc.Rotate(ctx, now.Add(2*time.Minute), pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("after ceiling: got %v, want ErrSessionRevoked", err)
	}
}

func TestRotateRejectsBannedAndDeleted(t *testing.T) {
	ctx := context.Background()
	svc, users, u := newTestService(t, DefaultConfig())
	now := time.Now()

	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}

	users.SetBanned(u.ID, true)
	if _, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken); !errors.Is(err, ErrUserBanned) {
		t.Fatalf("banned: got %v, want ErrUserBanned", err)
	}

	users.SetBanned(u.ID, false)
	pair2, err := svc.StartFamily(ctx, now.Add(2*time.Minute), u.ID)
	if err != nil {
		t.Fatalf("StartFamily after unban: %v", err)
	}
	users.MarkDeleted(u.ID, now.Add(3*time.Minute))
	if _, err := svc.Rotate(ctx, now.Add(4*time.Minute), pair2.RefreshToken); !errors.Is(err, ErrUserDeleted) {
		t.Fatalf("deleted: got %v, want ErrUserDeleted", err)
	}
}

func TestRotateGarbage(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultConfig())
	for _, tok := range []string{"", "not-a-token", "aaaa.bbbb.cccc"} {
		if _, err := svc.Rotate(context.Background(), time.Now(), tok); !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("Rotate(%q): got %v, want ErrInvalidRefreshToken", tok, err)
		}
	}
}

func TestLogoutOwnershipChecked(t *testing.T) {
	ctx := context.Background()
	svc, users, u := newTestService(t, DefaultConfig())
	now := time.Now()

	other, err := users.Create(ctx, now, "other@example.com", "hash", nil)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}

	if err := svc.Logout(ctx, now, pair.FamilyID, other.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign logout: got %v, want ErrForbidden", err)
	}
	if err := svc.Logout(ctx, now, pair.FamilyID, u.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("after logout: got %v, want ErrSessionRevoked", err)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	svc, users, u := newTestService(t, DefaultConfig())
	now := time.Now()

	other, err := users.Create(ctx, now, "other@example.com", "hash", nil)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	pair, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}

	if err := svc.DeleteSession(ctx, now, other.ID, pair.FamilyID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign delete: got %v, want ErrForbidden", err)
	}
	if err := svc.DeleteSession(ctx, now, u.ID, "01J00000000000000000000000"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("unknown id: got %v, want ErrSessionNotFound", err)
	}
	if err := svc.DeleteSession(ctx, now, u.ID, pair.FamilyID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := svc.DeleteSession(ctx, now, u.ID, pair.FamilyID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second delete: got %v, want ErrSessionNotFound", err)
	}
}

func TestRevokeAllForUserOnPasswordChange(t *testing.T) {
	ctx := context.Background()
	svc, _, u := newTestService(t, DefaultConfig())
	now := time.Now()

	a, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}
	b, err := svc.StartFamily(ctx, now, u.ID)
	if err != nil {
		t.Fatalf("StartFamily: %v", err)
	}

	if err := svc.RevokeAllForUser(ctx, now, u.ID, ReasonPasswordChange); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	for _, pair := range []Pair{a, b} {
		if _, err := svc.Rotate(ctx, now.Add(time.Minute), pair.RefreshToken); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("family %s after revoke-all: got %v, want ErrSessionRevoked", pair.FamilyID, err)
		}
	}
}
