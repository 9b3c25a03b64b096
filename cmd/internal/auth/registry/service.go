package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"storefront/cmd/identity"
	"storefront/cmd/internal/auth/token"
)

// TokenCodec is the slice of the token codec the registry needs.
type TokenCodec interface {
	IssueAccess(userID string, roles []string, familyID string, tokenVersion int, now time.Time) (string, time.Time, error)
	IssueRefresh(userID, familyID string, now time.Time) (signed string, jti string, exp time.Time, err error)
	VerifyRefresh(tokenText string, now time.Time) (token.RefreshClaims, error)
}

// UserDirectory answers live user-status questions at rotation time, so a
// ban or deletion cuts off refresh even while old access tokens ride out
// their TTL.
type UserDirectory interface {
	GetStatus(ctx context.Context, userID string) (identity.Status, error)
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

// Service implements the high-level refresh-session operations.
//
// It starts families at login, rotates refresh tokens under a strict
// transactional model with reuse detection, and supports per-family and
// per-user revocation.
type Service struct {
	cfg   Config
	store Store
	codec TokenCodec
	users UserDirectory
}

func NewService(cfg Config, store Store, codec TokenCodec, users UserDirectory) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, store: store, codec: codec, users: users}, nil
}

// StartFamily creates a fresh family for the user and issues its first
// access/refresh pair. Banned and deleted users cannot start sessions.
func (s *Service) StartFamily(ctx context.Context, now time.Time, userID string) (Pair, error) {
	st, err := s.users.GetStatus(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return Pair{}, ErrUserDeleted
		}
		return Pair{}, err
	}
	if st.Banned {
		return Pair{}, ErrUserBanned
	}
	if st.Deleted() {
		return Pair{}, ErrUserDeleted
	}
	roles, err := s.users.GetRoles(ctx, userID)
	if err != nil {
		return Pair{}, err
	}

	familyID, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return Pair{}, err
	}

	refreshToken, jti, refreshExp, err := s.codec.IssueRefresh(userID, familyID.String(), now)
	if err != nil {
		return Pair{}, err
	}
	accessToken, accessExp, err := s.codec.IssueAccess(userID, roles, familyID.String(), st.TokenVersion, now)
	if err != nil {
		return Pair{}, err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateFamily(ctx, Family{
			ID:        familyID.String(),
			UserID:    userID,
			CreatedAt: now.UTC(),
		}); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, RefreshRecord{
			JTI:       jti,
			FamilyID:  familyID.String(),
			IssuedAt:  now.UTC(),
			ExpiresAt: refreshExp,
		})
	})
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		FamilyID:         familyID.String(),
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Rotate redeems a refresh token for a fresh pair in the same family.
//
// Security model, all inside one transaction:
//   - Lock the refresh record by jti (SELECT ... FOR UPDATE).
//   - Revoked family: reject without further writes.
//   - Consumed record presented again: revoke the whole family and report
//     reuse. The revocation commits even though the call fails.
//   - Rotation ceiling, ban, and soft-deletion likewise revoke-and-fail.
//   - Otherwise consume the record, link its successor, insert the
//     successor, and bump the family's rotation count.
//
// Access claims are re-read from the user directory at rotation time, so
// role changes and token-version bumps propagate on the next refresh.
func (s *Service) Rotate(ctx context.Context, now time.Time, refreshToken string) (Pair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" || len(refreshToken) > 4096 {
		return Pair{}, ErrInvalidRefreshToken
	}

	claims, err := s.codec.VerifyRefresh(refreshToken, now)
	if err != nil {
		return Pair{}, ErrInvalidRefreshToken
	}

	var (
		pair Pair
		// failure is a rejection whose protective writes must still
		// commit; fn returns nil for those so InTx does not roll back.
		failure error
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		rec, err := tx.GetRecordForUpdate(ctx, claims.JTI)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				failure = ErrInvalidRefreshToken
				return nil
			}
			return err
		}
		if rec.FamilyID != claims.FamilyID || rec.FamilyID == "" || !rec.ExpiresAt.After(now) {
			failure = ErrInvalidRefreshToken
			return nil
		}

		fam, err := tx.GetFamilyForUpdate(ctx, rec.FamilyID)
		if err != nil {
			return err
		}
		if fam.Revoked() {
			failure = ErrSessionRevoked
			return nil
		}

		// Reuse detection: a consumed token presented again means the
		// lineage forked, so the whole family dies.
		if rec.Consumed {
			if err := tx.RevokeFamily(ctx, now, fam.ID, ReasonReuseDetected); err != nil {
				return err
			}
			failure = ErrTokenReuseDetected
			return nil
		}

		if fam.RotationCount >= s.cfg.MaxRotations {
			if err := tx.RevokeFamily(ctx, now, fam.ID, ReasonMaxRotations); err != nil {
				return err
			}
			failure = ErrMaxRotationExceeded
			return nil
		}

		st, err := s.users.GetStatus(ctx, fam.UserID)
		if err != nil && !identity.IsNotFound(err) {
			return err
		}
		switch {
		case identity.IsNotFound(err) || st.Deleted():
			if err := tx.RevokeFamily(ctx, now, fam.ID, ReasonUserDeleted); err != nil {
				return err
			}
			failure = ErrUserDeleted
			return nil
		case st.Banned:
			if err := tx.RevokeFamily(ctx, now, fam.ID, ReasonUserBanned); err != nil {
				return err
			}
			failure = ErrUserBanned
			return nil
		}

		roles, err := s.users.GetRoles(ctx, fam.UserID)
		if err != nil {
			return err
		}

		newRefresh, newJTI, newRefreshExp, err := s.codec.IssueRefresh(fam.UserID, fam.ID, now)
		if err != nil {
			return err
		}
		if err := tx.MarkConsumed(ctx, rec.JTI, newJTI); err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, RefreshRecord{
			JTI:       newJTI,
			FamilyID:  fam.ID,
			IssuedAt:  now.UTC(),
			ExpiresAt: newRefreshExp,
		}); err != nil {
			return err
		}
		if err := tx.BumpRotation(ctx, now, fam.ID); err != nil {
			return err
		}

		accessToken, accessExp, err := s.codec.IssueAccess(fam.UserID, roles, fam.ID, st.TokenVersion, now)
		if err != nil {
			return err
		}

		pair = Pair{
			FamilyID:         fam.ID,
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExp,
			RefreshToken:     newRefresh,
			RefreshExpiresAt: newRefreshExp,
		}
		return nil
	})
	if err != nil {
		return Pair{}, err
	}
	if failure != nil {
		return Pair{}, failure
	}
	return pair, nil
}

// RevokeFamily revokes one family. Idempotent: revoking an already-revoked
// family succeeds and keeps the original reason.
func (s *Service) RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		return tx.RevokeFamily(ctx, now, familyID, reason)
	})
}

// RevokeAllForUser revokes every live family the user has, e.g. after a
// password change or an account ban.
func (s *Service) RevokeAllForUser(ctx context.Context, now time.Time, userID, reason string) error {
	return s.store.InTx(ctx, func(tx Tx) error {
		_, err := tx.RevokeAllForUser(ctx, now, userID, reason)
		return err
	})
}

// Logout revokes the caller's own family. The ownership check keeps a
// stolen access token from logging out someone else's session by id.
func (s *Service) Logout(ctx context.Context, now time.Time, familyID, userID string) error {
	fam, err := s.store.GetFamily(ctx, familyID)
	if err != nil {
		return err
	}
	if fam.UserID != userID {
		return ErrForbidden
	}
	return s.RevokeFamily(ctx, now, familyID, ReasonLogout)
}

// ListSessions returns the user's live families, newest first.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	fams, err := s.store.ListFamilies(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(fams))
	for _, f := range fams {
		if f.Revoked() {
			continue
		}
		info := SessionInfo{
			FamilyID:      f.ID,
			CreatedAt:     f.CreatedAt,
			RotationCount: f.RotationCount,
		}
		if f.LastRotatedAt != nil {
			info.LastRotatedAt = *f.LastRotatedAt
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteSession revokes one of the user's families by id (device
// management). Revoked and foreign families are indistinguishable from
// missing ones only in the not-found case; a live foreign family is
// ErrForbidden.
func (s *Service) DeleteSession(ctx context.Context, now time.Time, userID, familyID string) error {
	fam, err := s.store.GetFamily(ctx, familyID)
	if err != nil {
		return err
	}
	if fam.UserID != userID {
		return ErrForbidden
	}
	if fam.Revoked() {
		return ErrSessionNotFound
	}
	return s.RevokeFamily(ctx, now, familyID, ReasonSessionDeleted)
}
