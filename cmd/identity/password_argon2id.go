package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Memory is in KiB. Defaults follow the interactive
// profile from the argon2 RFC draft: 64 MiB, 1 pass, 4 lanes.
type PasswordParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

func DefaultPasswordParams() PasswordParams {
	return PasswordParams{
		Memory:      64 * 1024,
		Iterations:  1,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

const (
	minPasswordLen = 8
	maxPasswordLen = 512
)

var (
	ErrPasswordTooShort = errors.New("identity: password too short")
	ErrPasswordTooLong  = errors.New("identity: password too long")
	errHashMalformed    = errors.New("identity: malformed password hash")
)

// HashPassword derives an argon2id hash and encodes it in PHC string form:
// $argon2id$v=19$m=<KiB>,t=<iters>,p=<lanes>$<salt-b64>$<key-b64>.
func HashPassword(password string, p PasswordParams) (string, error) {
	if len(password) < minPasswordLen {
		return "", ErrPasswordTooShort
	}
	if len(password) > maxPasswordLen {
		return "", ErrPasswordTooLong
	}

	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword re-derives the key with the parameters embedded in the
// stored hash and compares in constant time. A malformed stored hash
// verifies as false rather than erroring, so callers cannot distinguish
// a corrupt row from a wrong password.
func VerifyPassword(password, encoded string) bool {
	if len(password) > maxPasswordLen {
		return false
	}
	p, salt, key, err := decodePasswordHash(encoded)
	if err != nil {
		return false
	}
	derived := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(derived, key) == 1
}

func decodePasswordHash(encoded string) (PasswordParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return PasswordParams{}, nil, nil, errHashMalformed
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return PasswordParams{}, nil, nil, errHashMalformed
	}

	var p PasswordParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return PasswordParams{}, nil, nil, errHashMalformed
	}
	// Bound the cost parameters before hashing so a hostile row cannot
	// turn verification into a memory bomb.
	if p.Memory == 0 || p.Memory > 1024*1024 || p.Iterations == 0 || p.Iterations > 16 || p.Parallelism == 0 {
		return PasswordParams{}, nil, nil, errHashMalformed
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) < 8 {
		return PasswordParams{}, nil, nil, errHashMalformed
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) < 16 {
		return PasswordParams{}, nil, nil, errHashMalformed
	}
	return p, salt, key, nil
}
