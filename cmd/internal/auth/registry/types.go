package registry

import "time"

// Revocation reasons kept as an audit trail on the family row.
const (
	ReasonLogout         = "logout"
	ReasonReuseDetected  = "reuse_detected"
	ReasonMaxRotations   = "max_rotations"
	ReasonUserBanned     = "user_banned"
	ReasonUserDeleted    = "user_deleted"
	ReasonPasswordChange = "password_change"
	ReasonSessionDeleted = "session_deleted"
)

// Family is one login's refresh lineage. IDs are ULIDs.
type Family struct {
	ID               string
	UserID           string
	CreatedAt        time.Time
	RevokedAt        *time.Time
	RevocationReason string
	RotationCount    int
	LastRotatedAt    *time.Time
}

func (f Family) Revoked() bool { return f.RevokedAt != nil }

// RefreshRecord is the server-side row for one issued refresh token,
// keyed by the token's jti claim. RotatedTo links to the successor's jti
// once the record is consumed.
type RefreshRecord struct {
	JTI       string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Consumed  bool
	RotatedTo *string
}

// SessionInfo is the user-facing view of an active family.
type SessionInfo struct {
	FamilyID      string    `json:"familyId"`
	CreatedAt     time.Time `json:"createdAt"`
	RotationCount int       `json:"rotationCount"`
	LastRotatedAt time.Time `json:"lastRotatedAt,omitzero"`
}

// Pair is the result of starting a family or rotating within one.
type Pair struct {
	FamilyID         string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
