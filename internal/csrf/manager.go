package csrf

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"credguard/internal/repository"

	"go.uber.org/zap"
)

const (
	secretLength = 32
	nonceLength  = 16
	tokenLength  = nonceLength + sha256.Size
)

// ErrTokenInvalid covers missing, malformed, mismatched and orphaned tokens.
var ErrTokenInvalid = errors.New("CSRF_TOKEN_INVALID")

// SecretStore persists one verifier secret per session. GetSecret returns
// repository.ErrNotFound when the session has none.
type SecretStore interface {
	GetSecret(ctx context.Context, sessionID string) ([]byte, error)
	SetSecretIfAbsent(ctx context.Context, sessionID string, secret []byte) ([]byte, error)
	DeleteSecret(ctx context.Context, sessionID string) error
}

// Manager derives tokens as base64url(nonce || HMAC-SHA256(secret, sessionID || nonce)).
// The secret never leaves the server.
type Manager struct {
	store  SecretStore
	rand   io.Reader
	logger *zap.Logger
}

func NewManager(store SecretStore, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		rand:   rand.Reader,
		logger: logger,
	}
}

// Issue creates the session's secret on first use. Every call returns a
// fresh token; all of them validate for the same session.
func (m *Manager) Issue(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("csrf: empty session id")
	}

	secret, err := m.secretFor(ctx, sessionID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(m.rand, nonce); err != nil {
		return "", fmt.Errorf("csrf: failed to generate nonce: %w", err)
	}

	token := make([]byte, 0, tokenLength)
	token = append(token, nonce...)
	token = append(token, sign(secret, sessionID, nonce)...)

	return base64.RawURLEncoding.EncodeToString(token), nil
}

func (m *Manager) secretFor(ctx context.Context, sessionID string) ([]byte, error) {
	secret, err := m.store.GetSecret(ctx, sessionID)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("csrf: load secret: %w", err)
	}

	fresh := make([]byte, secretLength)
	if _, err := io.ReadFull(m.rand, fresh); err != nil {
		return nil, fmt.Errorf("csrf: failed to generate secret: %w", err)
	}

	secret, err = m.store.SetSecretIfAbsent(ctx, sessionID, fresh)
	if err != nil {
		return nil, fmt.Errorf("csrf: store secret: %w", err)
	}

	m.logger.Debug("CSRF secret created", zap.String("session_id", sessionID))
	return secret, nil
}

// Validate returns nil only if the session has a secret and the token's MAC
// matches it. Store failures other than a missing secret are returned as-is.
func (m *Manager) Validate(ctx context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		return ErrTokenInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLength {
		return ErrTokenInvalid
	}

	secret, err := m.store.GetSecret(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTokenInvalid
		}
		return fmt.Errorf("csrf: load secret: %w", err)
	}

	nonce, mac := raw[:nonceLength], raw[nonceLength:]
	if !hmac.Equal(mac, sign(secret, sessionID, nonce)) {
		return ErrTokenInvalid
	}
	return nil
}

// Destroy drops the secret, invalidating every token issued for the session.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSecret(ctx, sessionID); err != nil {
		return fmt.Errorf("csrf: delete secret: %w", err)
	}
	return nil
}

func sign(secret []byte, sessionID string, nonce []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(sessionID))
	h.Write(nonce)
	return h.Sum(nil)
}
