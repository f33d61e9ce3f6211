// Package encryption seals small secrets with envelope encryption. Each
// value gets its own data key; the data key is wrapped either by AWS KMS
// or by a local AES-256 key when KMS is disabled.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"credguard/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	versionKMS   = "kms-v1"
	versionLocal = "local-v1"
	maxCachedDEK = 1024
)

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// KMSAPI is the subset of *kms.Client the manager calls.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

type EncryptionManager struct {
	kmsClient KMSAPI
	keyID     string
	localKEK  cipher.AEAD
	logger    *zap.Logger

	mu       sync.Mutex
	keyCache map[string][]byte // wrapped DEK -> plaintext DEK
}

// NewEncryptionManager uses KMS when cfg.KMS.Enabled, otherwise the
// configured local key. An empty local key gets a random one, so sealed
// values do not survive a restart.
func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI, logger *zap.Logger) (*EncryptionManager, error) {
	em := &EncryptionManager{
		logger:   logger,
		keyCache: make(map[string][]byte),
	}

	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms enabled but no kms client supplied")
		}
		em.kmsClient = kmsClient
		em.keyID = cfg.KMS.KeyID
		return em, nil
	}

	var kek []byte
	if cfg.KMS.LocalKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.KMS.LocalKey)
		if err != nil || len(decoded) != 32 {
			return nil, errors.New("ENCRYPTION_LOCAL_KEY must be 32 bytes, base64 encoded")
		}
		kek = decoded
	} else {
		kek = make([]byte, 32)
		if _, err := rand.Read(kek); err != nil {
			return nil, fmt.Errorf("generate local key: %w", err)
		}
		logger.Warn("No ENCRYPTION_LOCAL_KEY set, using an ephemeral key")
	}

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	em.localKEK = aead
	em.keyID = "local"
	return em, nil
}

// GenerateDataKey returns a fresh AES-256 key and its wrapped form.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient != nil {
		result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(em.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &DataKey{
			Plaintext:  result.Plaintext,
			Ciphertext: result.CiphertextBlob,
			KeyID:      aws.ToString(result.KeyId),
		}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKEK, key, nil)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: em.keyID}, nil
}

// Encrypt seals plaintext. aad binds the ciphertext to its context (for
// example the owning session id); Decrypt must be given the same aad.
func (em *EncryptionManager) Encrypt(ctx context.Context, plaintext []byte, aad string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, err
	}
	ciphertext, err := seal(aead, plaintext, []byte(aad))
	if err != nil {
		return nil, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.cacheKey(wrapped, dataKey.Plaintext)

	version := versionLocal
	if em.kmsClient != nil {
		version = versionKMS
	}

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   wrapped,
		KeyID:          dataKey.KeyID,
		Version:        version,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (em *EncryptionManager) Decrypt(ctx context.Context, data *EncryptedData, aad string) ([]byte, error) {
	key, err := em.unwrapKey(ctx, data)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return open(aead, ciphertext, []byte(aad))
}

func (em *EncryptionManager) unwrapKey(ctx context.Context, data *EncryptedData) ([]byte, error) {
	em.mu.Lock()
	cached, ok := em.keyCache[data.EncryptedDEK]
	em.mu.Unlock()
	if ok {
		return cached, nil
	}

	blob, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var key []byte
	switch data.Version {
	case versionKMS:
		if em.kmsClient == nil {
			return nil, fmt.Errorf("%w: value sealed with KMS but KMS is disabled", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		key = result.Plaintext
	case versionLocal:
		if em.localKEK == nil {
			return nil, fmt.Errorf("%w: value sealed locally but KMS is enabled", ErrDecryptionFailed)
		}
		key, err = open(em.localKEK, blob, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown version %q", ErrDecryptionFailed, data.Version)
	}

	em.cacheKey(data.EncryptedDEK, key)
	return key, nil
}

// cacheKey is bounded; when full the cache is dropped wholesale.
func (em *EncryptionManager) cacheKey(wrapped string, key []byte) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.keyCache) >= maxCachedDEK {
		em.keyCache = make(map[string][]byte)
	}
	em.keyCache[wrapped] = key
}

func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.keyCache = make(map[string][]byte)
}

func (em *EncryptionManager) GetCacheSize() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.keyCache)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(aead cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
