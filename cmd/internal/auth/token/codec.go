package token

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// AccessClaims is the verified payload of an access token.
type AccessClaims struct {
	UserID       string
	Roles        []string
	FamilyID     string
	TokenVersion int
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// RefreshClaims is the verified payload of a refresh token.
type RefreshClaims struct {
	UserID    string
	JTI       string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config defines codec behavior: issuer, TTLs, and the RSA signing key.
type Config struct {
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// PrivateKeyPEM is the PEM-encoded RSA private key used for RS256 signing.
	PrivateKeyPEM string
}

// DefaultConfig returns development-friendly defaults (no key material).
func DefaultConfig() Config {
	return Config{
		Issuer:     "storefront",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 14 * 24 * time.Hour,
	}
}

// Codec signs and verifies access/refresh tokens with an RSA keypair.
type Codec struct {
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration

	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// NewCodec builds a Codec from config. The private key is required.
func NewCodec(cfg Config) (*Codec, error) {
	if strings.TrimSpace(cfg.Issuer) == "" || cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, ErrConfig
	}
	key, err := ParsePrivateKeyPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Codec{
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		private:    key,
		public:     &key.PublicKey,
	}, nil
}

type accessJWTClaims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles"`
	FamilyID string   `json:"tfid"`
	Version  int      `json:"v"`
}

type refreshJWTClaims struct {
	jwt.RegisteredClaims
	FamilyID string `json:"tfid"`
}

// IssueAccess signs a short-lived access token carrying the role snapshot,
// family id, and the user's current token version.
func (c *Codec) IssueAccess(userID string, roles []string, familyID string, tokenVersion int, now time.Time) (string, time.Time, error) {
	exp := now.Add(c.accessTTL)
	claims := accessJWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles:    roles,
		FamilyID: familyID,
		Version:  tokenVersion,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.private)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueRefresh signs a long-lived refresh token bound to familyID.
// The returned jti is the identifier of the RefreshTokenRecord the caller
// must persist; it is a fresh ULID on every call.
func (c *Codec) IssueRefresh(userID, familyID string, now time.Time) (signed string, jti string, exp time.Time, err error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", "", time.Time{}, err
	}
	jti = id.String()
	exp = now.Add(c.refreshTTL)

	claims := refreshJWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		FamilyID: familyID,
	}
	signed, err = jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.private)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, exp, nil
}

// VerifyAccess verifies signature, issuer, and expiry of an access token.
func (c *Codec) VerifyAccess(tokenText string, now time.Time) (AccessClaims, error) {
	var claims accessJWTClaims
	if err := c.parse(tokenText, &claims, now); err != nil {
		return AccessClaims{}, err
	}
	if claims.Subject == "" || claims.FamilyID == "" {
		return AccessClaims{}, ErrTokenMalformed
	}
	return AccessClaims{
		UserID:       claims.Subject,
		Roles:        claims.Roles,
		FamilyID:     claims.FamilyID,
		TokenVersion: claims.Version,
		IssuedAt:     claims.IssuedAt.Time,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// VerifyRefresh verifies signature, issuer, and expiry of a refresh token.
func (c *Codec) VerifyRefresh(tokenText string, now time.Time) (RefreshClaims, error) {
	var claims refreshJWTClaims
	if err := c.parse(tokenText, &claims, now); err != nil {
		return RefreshClaims{}, err
	}
	if claims.Subject == "" || claims.ID == "" || claims.FamilyID == "" {
		return RefreshClaims{}, ErrTokenMalformed
	}
	return RefreshClaims{
		UserID:    claims.Subject,
		JTI:       claims.ID,
		FamilyID:  claims.FamilyID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (c *Codec) parse(tokenText string, claims jwt.Claims, now time.Time) error {
	tokenText = strings.TrimSpace(tokenText)
	if tokenText == "" || len(tokenText) > 8192 {
		return ErrTokenMalformed
	}

	parsed, err := jwt.ParseWithClaims(tokenText, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, ErrTokenMalformed
			}
			return c.public, nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenMalformed
	}
	if !parsed.Valid {
		return ErrTokenMalformed
	}
	return nil
}
