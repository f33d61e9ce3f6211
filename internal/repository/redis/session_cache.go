package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"credguard/internal/encryption"
	"credguard/internal/models"
	"credguard/internal/repository"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionDataPrefix   = "session_data:"
	userSessionsPrefix  = "credential_sessions:"
	csrfSecretPrefix    = "csrf_secret:"
	minimumSessionTTL   = time.Second
	credentialIndexSlop = time.Minute
)

// secretSealer encrypts CSRF secrets at rest. The session id is bound in
// as associated data so a secret cannot be replayed under another session.
type secretSealer interface {
	Encrypt(ctx context.Context, plaintext []byte, aad string) (*encryption.EncryptedData, error)
	Decrypt(ctx context.Context, data *encryption.EncryptedData, aad string) ([]byte, error)
}

type SessionCache struct {
	rdb       redis.Cmdable
	prefix    string
	secretTTL time.Duration
	sealer    secretSealer
	logger    *zap.Logger
}

// NewSessionCache stores secrets in plain base64 when sealer is nil.
func NewSessionCache(rdb redis.Cmdable, prefix string, secretTTL time.Duration, sealer secretSealer, logger *zap.Logger) *SessionCache {
	return &SessionCache{
		rdb:       rdb,
		prefix:    prefix,
		secretTTL: secretTTL,
		sealer:    sealer,
		logger:    logger,
	}
}

func (c *SessionCache) sessionKey(id string) string    { return c.prefix + sessionDataPrefix + id }
func (c *SessionCache) credentialKey(id string) string { return c.prefix + userSessionsPrefix + id }
func (c *SessionCache) secretKey(id string) string     { return c.prefix + csrfSecretPrefix + id }

// SaveSession stores the record until it expires and indexes it under
// its credential.
func (c *SessionCache) SaveSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl < minimumSessionTTL {
		ttl = minimumSessionTTL
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.sessionKey(sess.SessionID), data, ttl)
	if sess.CredentialID != "" {
		idx := c.credentialKey(sess.CredentialID)
		pipe.SAdd(ctx, idx, sess.SessionID)
		pipe.Expire(ctx, idx, ttl+credentialIndexSlop)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to save session", zap.String("session_id", sess.SessionID), zap.Error(err))
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (c *SessionCache) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := c.rdb.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (c *SessionCache) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := c.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.sessionKey(sessionID))
	if sess != nil && sess.CredentialID != "" {
		pipe.SRem(ctx, c.credentialKey(sess.CredentialID), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SessionIDsFor lists live sessions for a credential, pruning index
// entries whose session has already expired.
func (c *SessionCache) SessionIDsFor(ctx context.Context, credentialID string) ([]string, error) {
	idx := c.credentialKey(credentialID)
	ids, err := c.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	pipe := c.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, c.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	live := ids[:0]
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_ = c.rdb.SRem(ctx, idx, stale...).Err()
	}
	return live, nil
}

func (c *SessionCache) GetSecret(ctx context.Context, sessionID string) ([]byte, error) {
	raw, err := c.rdb.Get(ctx, c.secretKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get csrf secret: %w", err)
	}
	return c.open(ctx, sessionID, raw)
}

// SetSecretIfAbsent relies on SETNX, so concurrent first requests agree
// on one secret.
func (c *SessionCache) SetSecretIfAbsent(ctx context.Context, sessionID string, secret []byte) ([]byte, error) {
	sealed, err := c.seal(ctx, sessionID, secret)
	if err != nil {
		return nil, err
	}

	stored, err := c.rdb.SetNX(ctx, c.secretKey(sessionID), sealed, c.secretTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set csrf secret: %w", err)
	}
	if stored {
		return append([]byte(nil), secret...), nil
	}
	return c.GetSecret(ctx, sessionID)
}

func (c *SessionCache) DeleteSecret(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, c.secretKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete csrf secret: %w", err)
	}
	return nil
}

func (c *SessionCache) seal(ctx context.Context, sessionID string, secret []byte) (string, error) {
	if c.sealer == nil {
		return base64.StdEncoding.EncodeToString(secret), nil
	}
	data, err := c.sealer.Encrypt(ctx, secret, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to seal csrf secret: %w", err)
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal sealed secret: %w", err)
	}
	return string(out), nil
}

func (c *SessionCache) open(ctx context.Context, sessionID, raw string) ([]byte, error) {
	if c.sealer == nil {
		secret, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt csrf secret: %w", err)
		}
		return secret, nil
	}

	var data encryption.EncryptedData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("corrupt sealed csrf secret: %w", err)
	}
	secret, err := c.sealer.Decrypt(ctx, &data, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to open csrf secret: %w", err)
	}
	return secret, nil
}
