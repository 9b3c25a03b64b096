package token

import (
	"errors"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()

	pemText, err := GeneratePrivateKeyPEM()
	if err != nil {
		t.Fatalf("GeneratePrivateKeyPEM: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PrivateKeyPEM = pemText

	c, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodec_AccessRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	tok, exp, err := c.IssueAccess("user-1", []string{"customer", "admin"}, "fam-1", 3, now)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := c.VerifyAccess(tok, now.Add(1*time.Second))
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.UserID != "user-1" || claims.FamilyID != "fam-1" || claims.TokenVersion != 3 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "customer" {
		t.Fatalf("roles not preserved: %+v", claims.Roles)
	}
}

func TestCodec_RefreshRoundTrip_FreshJTIPerIssue(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	tok1, jti1, _, err := c.IssueRefresh("user-1", "fam-1", now)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	_, jti2, _, err := c.IssueRefresh("user-1", "fam-1", now)
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if jti1 == jti2 {
		t.Fatalf("expected distinct jti per issuance")
	}

	claims, err := c.VerifyRefresh(tok1, now)
	if err != nil {
		t.Fatalf("VerifyRefresh: %v", err)
	}
	if claims.JTI != jti1 || claims.FamilyID != "fam-1" || claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestCodec_Expired(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	tok, _, err := c.IssueAccess("user-1", nil, "fam-1", 1, now)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	_, err = c.VerifyAccess(tok, now.Add(16*time.Minute))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestCodec_Malformed(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		if _, err := c.VerifyAccess(tok, now); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("token %q: expected ErrTokenMalformed, got %v", tok, err)
		}
	}

	// Token signed by a different key must not verify.
	other := newTestCodec(t)
	tok, _, err := other.IssueAccess("user-1", nil, "fam-1", 1, now)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if _, err := c.VerifyAccess(tok, now); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for foreign signature, got %v", err)
	}
}

func TestCodec_AccessAndRefreshAreNotInterchangeable(t *testing.T) {
	c := newTestCodec(t)
	now := time.Now().UTC()

	access, _, err := c.IssueAccess("user-1", nil, "fam-1", 1, now)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	// An access token has no jti, so it must not pass refresh verification.
	if _, err := c.VerifyRefresh(access, now); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}
