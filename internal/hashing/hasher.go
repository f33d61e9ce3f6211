package hashing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"credguard/internal/config"
	"credguard/internal/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidHash          = errors.New("invalid hash format")
	ErrIncompatibleVersion  = errors.New("incompatible argon2 version")
	ErrEmptyPassword        = errors.New("password is empty")
	ErrPasswordTooLong      = errors.New("password exceeds 72 bytes")
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")
)

// Params are fixed at construction; individual calls never vary them.
type Params struct {
	BcryptCost int
	Argon2     Argon2Params
}

func DefaultParams() Params {
	return Params{
		BcryptCost: 12,
		Argon2: Argon2Params{
			Memory:      64 * 1024,
			Iterations:  3,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
	}
}

func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		BcryptCost: cfg.Hashing.BcryptCost,
		Argon2: Argon2Params{
			Memory:      cfg.Hashing.Argon2Memory,
			Iterations:  cfg.Hashing.Argon2Time,
			Parallelism: cfg.Hashing.Argon2Threads,
			SaltLength:  cfg.Hashing.Argon2SaltLen,
			KeyLength:   cfg.Hashing.Argon2KeyLen,
		},
	}
}

// Result is one algorithm's encoding and the wall-clock time it took.
type Result struct {
	Encoding models.HashEncoding
	Elapsed  time.Duration
}

func (r Result) ElapsedMs() float64 {
	return float64(r.Elapsed.Microseconds()) / 1000
}

type HashPair struct {
	Bcrypt   Result
	Argon2id Result
}

type Hasher struct {
	params Params
	pool   *Pool
	decoy  string
	logger *zap.Logger
}

// NewHasher precomputes a decoy bcrypt encoding at the configured cost so
// unknown-identity logins spend the same time as wrong-password ones.
func NewHasher(params Params, pool *Pool, logger *zap.Logger) (*Hasher, error) {
	if params.BcryptCost < bcrypt.MinCost || params.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", params.BcryptCost)
	}
	if !withinArgon2Bounds(params.Argon2) {
		return nil, errors.New("argon2 parameters out of range")
	}
	if params.Argon2.SaltLength == 0 || params.Argon2.SaltLength > maxArgon2SaltLength ||
		params.Argon2.KeyLength == 0 || params.Argon2.KeyLength > maxArgon2KeyLength {
		return nil, errors.New("argon2 salt/key length out of range")
	}
	if pool == nil {
		pool = NewPool(1)
	}

	seed := make([]byte, 24)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to seed decoy hash: %w", err)
	}
	decoy, err := hashBcrypt(base64.RawURLEncoding.EncodeToString(seed), params.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to build decoy hash: %w", err)
	}

	logger.Info("Password hasher initialized",
		zap.Int("bcrypt_cost", params.BcryptCost),
		zap.Uint32("argon2_memory_kib", params.Argon2.Memory),
		zap.Uint32("argon2_time", params.Argon2.Iterations),
		zap.Uint8("argon2_threads", params.Argon2.Parallelism),
		zap.Int("workers", pool.Size()),
	)

	return &Hasher{
		params: params,
		pool:   pool,
		decoy:  decoy,
		logger: logger,
	}, nil
}

func (h *Hasher) Params() Params {
	return h.params
}

// Hash computes both encodings concurrently, each timed independently.
func (h *Hasher) Hash(ctx context.Context, password string) (*HashPair, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	var pair HashPair
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, err := h.HashAlgorithm(gctx, password, models.AlgorithmBcrypt)
		if err != nil {
			return err
		}
		pair.Bcrypt = r
		return nil
	})
	g.Go(func() error {
		r, err := h.HashAlgorithm(gctx, password, models.AlgorithmArgon2id)
		if err != nil {
			return err
		}
		pair.Argon2id = r
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &pair, nil
}

// HashAlgorithm produces a single encoding.
func (h *Hasher) HashAlgorithm(ctx context.Context, password string, alg models.Algorithm) (Result, error) {
	if password == "" {
		return Result{}, ErrEmptyPassword
	}

	var hashFn func() (string, error)
	switch alg {
	case models.AlgorithmBcrypt:
		hashFn = func() (string, error) { return hashBcrypt(password, h.params.BcryptCost) }
	case models.AlgorithmArgon2id:
		hashFn = func() (string, error) { return hashArgon2(password, h.params.Argon2) }
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	return run(ctx, h.pool, func() (Result, error) {
		start := time.Now()
		encoded, err := hashFn()
		elapsed := time.Since(start)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Encoding: models.HashEncoding{Algorithm: alg, Value: encoded},
			Elapsed:  elapsed,
		}, nil
	})
}

// Verify compares in constant time via the algorithm's own primitive.
// A malformed encoding, or one whose tag disagrees with its prefix, returns
// an error wrapping ErrInvalidHash.
func (h *Hasher) Verify(ctx context.Context, password string, enc models.HashEncoding) (bool, error) {
	detected := DetectAlgorithm(enc.Value)
	if detected == models.AlgorithmUnknown || detected != enc.Algorithm {
		return false, fmt.Errorf("%w: tagged %q, detected %q", ErrInvalidHash, enc.Algorithm, detected)
	}

	return run(ctx, h.pool, func() (bool, error) {
		switch detected {
		case models.AlgorithmBcrypt:
			return verifyBcrypt(password, enc.Value)
		default:
			return verifyArgon2(password, enc.Value)
		}
	})
}

// VerifyTimed is Verify plus the wall-clock time of the comparison.
func (h *Hasher) VerifyTimed(ctx context.Context, password string, enc models.HashEncoding) (bool, time.Duration, error) {
	start := time.Now()
	ok, err := h.Verify(ctx, password, enc)
	return ok, time.Since(start), err
}

// VerifyDecoy burns one bcrypt comparison against a fixed encoding. The
// result is always discarded.
func (h *Hasher) VerifyDecoy(ctx context.Context, password string) {
	_, _ = h.Verify(ctx, password, h.DecoyEncoding())
}

func (h *Hasher) DecoyEncoding() models.HashEncoding {
	return models.HashEncoding{Algorithm: models.AlgorithmBcrypt, Value: h.decoy}
}

// NeedsRehash reports whether a stored encoding was produced with parameters
// other than the configured ones.
func (h *Hasher) NeedsRehash(enc models.HashEncoding) bool {
	switch DetectAlgorithm(enc.Value) {
	case models.AlgorithmBcrypt:
		cost, err := bcryptCost(enc.Value)
		return err != nil || cost != h.params.BcryptCost
	case models.AlgorithmArgon2id:
		p, _, _, err := decodeArgon2(enc.Value)
		if err != nil {
			return true
		}
		want := h.params.Argon2
		return p.Memory != want.Memory ||
			p.Iterations != want.Iterations ||
			p.Parallelism != want.Parallelism ||
			p.KeyLength != want.KeyLength ||
			p.SaltLength != want.SaltLength
	default:
		return true
	}
}

// DetectAlgorithm classifies an encoding by its prefix.
func DetectAlgorithm(encoded string) models.Algorithm {
	switch {
	case strings.HasPrefix(encoded, "$2a$"),
		strings.HasPrefix(encoded, "$2b$"),
		strings.HasPrefix(encoded, "$2y$"):
		return models.AlgorithmBcrypt
	case strings.HasPrefix(encoded, argon2Prefix):
		return models.AlgorithmArgon2id
	default:
		return models.AlgorithmUnknown
	}
}
