package registry

import (
	"context"
	"time"
)

// Store persists families and refresh records.
//
// Rotation must run as one atomic unit: InTx executes fn against a
// transactional view and commits iff fn returns nil. Reads outside a
// transaction serve the session-management endpoints.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetFamily(ctx context.Context, familyID string) (Family, error)
	ListFamilies(ctx context.Context, userID string) ([]Family, error)
}

// Tx is the write surface available inside InTx. The ForUpdate reads
// lock the row for the remainder of the transaction so concurrent
// redemptions of the same token serialize.
type Tx interface {
	CreateFamily(ctx context.Context, fam Family) error
	GetFamilyForUpdate(ctx context.Context, familyID string) (Family, error)
	GetRecordForUpdate(ctx context.Context, jti string) (RefreshRecord, error)
	InsertRecord(ctx context.Context, rec RefreshRecord) error

	// MarkConsumed flips the record's consumed flag and links its successor.
	MarkConsumed(ctx context.Context, jti, rotatedTo string) error

	// BumpRotation increments rotation_count and stamps last_rotated_at.
	BumpRotation(ctx context.Context, now time.Time, familyID string) error

	// RevokeFamily is idempotent: revoking an already-revoked family keeps
	// the original timestamp and reason.
	RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error

	// RevokeAllForUser revokes every live family and reports how many.
	RevokeAllForUser(ctx context.Context, now time.Time, userID, reason string) (int, error)
}
