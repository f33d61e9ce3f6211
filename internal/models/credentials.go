package models

import (
	"strings"
	"time"
)

// Algorithm tags a stored password encoding.
type Algorithm string

const (
	AlgorithmBcrypt   Algorithm = "bcrypt"
	AlgorithmArgon2id Algorithm = "argon2id"
	AlgorithmUnknown  Algorithm = "unknown"
)

// ParseAlgorithm maps a stored tag back to an Algorithm.
func ParseAlgorithm(s string) Algorithm {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case AlgorithmBcrypt:
		return AlgorithmBcrypt
	case AlgorithmArgon2id:
		return AlgorithmArgon2id
	default:
		return AlgorithmUnknown
	}
}

// HashEncoding is a self-describing password hash. Cost parameters live inside
// Value (bcrypt "$2a$12$..." or PHC "$argon2id$v=19$m=...").
type HashEncoding struct {
	Algorithm Algorithm `json:"algorithm" db:"algorithm"`
	Value     string    `json:"-" db:"password_hash"`
}

// StoredHash is one credential's encoding as read back for reporting.
// Tag is what the row claims; Value is what it holds.
type StoredHash struct {
	Tag       Algorithm
	Value     string
	CreatedAt time.Time
}

// IdentityField names a unique lookup column on Credential.
type IdentityField string

const (
	IdentityUsername IdentityField = "username"
	IdentityEmail    IdentityField = "email"
)

// Credential never carries a plaintext password.
type Credential struct {
	CredentialBucket int          `json:"-" db:"credential_bucket"`
	ID               string       `json:"id" db:"credential_id"`
	Username         string       `json:"username" db:"username"`
	Email            string       `json:"email" db:"email"`
	Hash             HashEncoding `json:"-"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
	LastLoginAt      *time.Time   `json:"last_login_at,omitempty" db:"last_login_at"`
}

// Clone returns a deep copy so stores can hand out values safely.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastLoginAt != nil {
		t := *c.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}
