package hashing

import (
	"context"
	"strings"
	"testing"

	"credguard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testParams() Params {
	return Params{
		BcryptCost: 4,
		Argon2: Argon2Params{
			Memory:      1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
	}
}

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(testParams(), NewPool(2), zap.NewNop())
	require.NoError(t, err)
	return h
}

func TestHashProducesBothEncodings(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	pair, err := h.Hash(ctx, "correct horse battery staple")
	require.NoError(t, err)

	assert.Equal(t, models.AlgorithmBcrypt, pair.Bcrypt.Encoding.Algorithm)
	assert.True(t, strings.HasPrefix(pair.Bcrypt.Encoding.Value, "$2a$04$"))
	assert.Equal(t, models.AlgorithmArgon2id, pair.Argon2id.Encoding.Algorithm)
	assert.True(t, strings.HasPrefix(pair.Argon2id.Encoding.Value, "$argon2id$v=19$m=1024,t=1,p=1$"))
	assert.GreaterOrEqual(t, pair.Bcrypt.ElapsedMs(), 0.0)
	assert.GreaterOrEqual(t, pair.Argon2id.ElapsedMs(), 0.0)

	for _, enc := range []models.HashEncoding{pair.Bcrypt.Encoding, pair.Argon2id.Encoding} {
		ok, err := h.Verify(ctx, "correct horse battery staple", enc)
		require.NoError(t, err)
		assert.True(t, ok, enc.Algorithm)

		ok, err = h.Verify(ctx, "correct horse battery stapLe", enc)
		require.NoError(t, err)
		assert.False(t, ok, enc.Algorithm)
	}
}

func TestHashIsSalted(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	a, err := h.Hash(ctx, "same-password")
	require.NoError(t, err)
	b, err := h.Hash(ctx, "same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a.Bcrypt.Encoding.Value, b.Bcrypt.Encoding.Value)
	assert.NotEqual(t, a.Argon2id.Encoding.Value, b.Argon2id.Encoding.Value)
}

func TestHashRejectsEmptyPassword(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.Hash(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyPassword)

	_, err = h.HashAlgorithm(context.Background(), "", models.AlgorithmArgon2id)
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHashAlgorithmUnsupported(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.HashAlgorithm(context.Background(), "pw", models.Algorithm("md5"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestBcryptRejectsOverlongPassword(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.HashAlgorithm(context.Background(), strings.Repeat("a", 73), models.AlgorithmBcrypt)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestVerifyMalformedEncoding(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		enc  models.HashEncoding
	}{
		{"empty", models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: ""}},
		{"garbage", models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: "not-a-hash"}},
		{"mis-tagged", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: h.DecoyEncoding().Value}},
		{"truncated bcrypt", models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: "$2a$04$short"}},
		{"argon2 missing key", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ"}},
		{"argon2 bad params", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=x,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5"}},
		{"argon2 bad base64", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5a2V5"}},
		{"argon2 huge memory", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=4294967295,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5"}},
		{"argon2 huge time", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=4294967295,p=1$c2FsdHNhbHQ$a2V5a2V5"}},
		{"argon2 huge parallelism", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=1,p=255$c2FsdHNhbHQ$a2V5a2V5"}},
		{"argon2 huge key", models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$" + strings.Repeat("a2V5", 1<<16)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := h.Verify(ctx, "pw", tt.enc)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrInvalidHash)
		})
	}
}

func TestVerifyArgon2WrongVersion(t *testing.T) {
	h := newTestHasher(t)

	_, err := h.Verify(context.Background(), "pw", models.HashEncoding{
		Algorithm: models.AlgorithmArgon2id,
		Value:     "$argon2id$v=16$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5",
	})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestVerifyUsesStoredParameters(t *testing.T) {
	h := newTestHasher(t)
	ctx := context.Background()

	r, err := h.HashAlgorithm(ctx, "pw-under-old-params", models.AlgorithmArgon2id)
	require.NoError(t, err)

	stronger := testParams()
	stronger.Argon2.Iterations = 2
	stronger.BcryptCost = 5
	h2, err := NewHasher(stronger, NewPool(1), zap.NewNop())
	require.NoError(t, err)

	ok, err := h2.Verify(ctx, "pw-under-old-params", r.Encoding)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h2.NeedsRehash(r.Encoding))
	assert.False(t, h.NeedsRehash(r.Encoding))
}

func TestNeedsRehashBcrypt(t *testing.T) {
	h := newTestHasher(t)

	r, err := h.HashAlgorithm(context.Background(), "pw", models.AlgorithmBcrypt)
	require.NoError(t, err)
	assert.False(t, h.NeedsRehash(r.Encoding))
	assert.True(t, h.NeedsRehash(models.HashEncoding{Value: "plain"}))
}

func TestDecoyNeverMatches(t *testing.T) {
	h := newTestHasher(t)

	ok, err := h.Verify(context.Background(), "", h.DecoyEncoding())
	require.NoError(t, err)
	assert.False(t, ok)

	h.VerifyDecoy(context.Background(), "anything")
}

func TestDetectAlgorithm(t *testing.T) {
	tests := map[string]models.Algorithm{
		"$2a$12$abcdefghijklmnopqrstuu":        models.AlgorithmBcrypt,
		"$2b$10$abcdefghijklmnopqrstuu":        models.AlgorithmBcrypt,
		"$2y$10$abcdefghijklmnopqrstuu":        models.AlgorithmBcrypt,
		"$argon2id$v=19$m=65536,t=3,p=1$a$b":   models.AlgorithmArgon2id,
		"$argon2i$v=19$m=65536,t=3,p=1$a$b":    models.AlgorithmUnknown,
		"5f4dcc3b5aa765d61d8327deb882cf99":     models.AlgorithmUnknown,
		"":                                     models.AlgorithmUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, DetectAlgorithm(in), in)
	}
}

func TestNewHasherRejectsBadParams(t *testing.T) {
	p := testParams()
	p.BcryptCost = 2
	_, err := NewHasher(p, nil, zap.NewNop())
	assert.Error(t, err)

	p = testParams()
	p.Argon2.Iterations = 0
	_, err = NewHasher(p, nil, zap.NewNop())
	assert.Error(t, err)

	// Anything NewHasher accepts must decode again.
	p = testParams()
	p.Argon2.Memory = maxArgon2Memory + 1
	_, err = NewHasher(p, nil, zap.NewNop())
	assert.Error(t, err)

	p = testParams()
	p.Argon2.KeyLength = maxArgon2KeyLength + 1
	_, err = NewHasher(p, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 12, p.BcryptCost)
	assert.Equal(t, uint32(65536), p.Argon2.Memory)
	assert.Equal(t, uint32(3), p.Argon2.Iterations)
	assert.Equal(t, uint8(1), p.Argon2.Parallelism)
	assert.Equal(t, uint32(16), p.Argon2.SaltLength)
	assert.Equal(t, uint32(32), p.Argon2.KeyLength)
}
