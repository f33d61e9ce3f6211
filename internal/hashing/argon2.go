package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

const argon2Prefix = "$argon2id$"

// Upper bounds on parameters accepted from a stored encoding. A row
// claiming more is treated as corrupt rather than run.
const (
	maxArgon2Memory      = 4 * 1024 * 1024 // KiB, 4 GiB
	maxArgon2Iterations  = 64
	maxArgon2Parallelism = 64
	maxArgon2SaltLength  = 64
	maxArgon2KeyLength   = 128
)

// withinArgon2Bounds reports whether p may be computed.
func withinArgon2Bounds(p Argon2Params) bool {
	return p.Memory > 0 && p.Memory <= maxArgon2Memory &&
		p.Iterations > 0 && p.Iterations <= maxArgon2Iterations &&
		p.Parallelism > 0 && p.Parallelism <= maxArgon2Parallelism
}

// hashArgon2 returns a PHC string: $argon2id$v=19$m=65536,t=3,p=1$<salt>$<key>.
func hashArgon2(password string, p Argon2Params) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func verifyArgon2(password, encoded string) (bool, error) {
	p, salt, key, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

// decodeArgon2 parses parameters back out of a PHC string. Verification
// always uses the stored parameters, not the configured ones.
func decodeArgon2(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return p, nil, nil, ErrIncompatibleVersion
	}

	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &parallelism); err != nil {
		return p, nil, nil, ErrInvalidHash
	}
	if parallelism > maxArgon2Parallelism {
		return p, nil, nil, ErrInvalidHash
	}
	p.Parallelism = uint8(parallelism)
	if !withinArgon2Bounds(p) {
		return p, nil, nil, ErrInvalidHash
	}

	if base64.RawStdEncoding.DecodedLen(len(parts[4])) > maxArgon2SaltLength ||
		base64.RawStdEncoding.DecodedLen(len(parts[5])) > maxArgon2KeyLength {
		return p, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, ErrInvalidHash
	}
	p.SaltLength = uint32(len(salt))

	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, ErrInvalidHash
	}
	p.KeyLength = uint32(len(key))

	return p, salt, key, nil
}
