package models

import "time"

// AlgorithmTiming holds one algorithm's half of a comparison.
type AlgorithmTiming struct {
	Algorithm Algorithm `json:"algorithm" ch:"algorithm"`
	Encoding  string    `json:"encoding" ch:"encoding"`
	HashMs    float64   `json:"hash_ms" ch:"hash_ms"`
	VerifyMs  float64   `json:"verify_ms" ch:"verify_ms"`
	Verified  bool      `json:"verified" ch:"verified"`
}

// HashComparisonRecord is immutable telemetry; Identity is empty for
// anonymous comparisons.
type HashComparisonRecord struct {
	RecordID  string          `json:"record_id"`
	Identity  string          `json:"identity,omitempty"`
	Bcrypt    AlgorithmTiming `json:"bcrypt"`
	Argon2id  AlgorithmTiming `json:"argon2id"`
	CreatedAt time.Time       `json:"created_at"`
}

// FasterAlgorithm compares hash timings only.
func (r *HashComparisonRecord) FasterAlgorithm() Algorithm {
	if r.Bcrypt.HashMs <= r.Argon2id.HashMs {
		return AlgorithmBcrypt
	}
	return AlgorithmArgon2id
}
