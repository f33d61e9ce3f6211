// Package session issues server-side sessions and the signed tokens that
// name them. A token is an HS256 JWT carrying the session id (sid), the
// credential id (sub, empty for anonymous sessions) and the expiry. The
// session record is authoritative: destroying it invalidates the token
// even before exp.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"credguard/internal/config"
	"credguard/internal/models"
	"credguard/internal/repository"
)

var ErrSessionInvalid = errors.New("SESSION_INVALID")

const minSigningKeyLen = 32

type Store interface {
	SaveSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SessionIDsFor(ctx context.Context, credentialID string) ([]string, error)
}

// SecretDestroyer drops a session's CSRF secret.
type SecretDestroyer interface {
	Destroy(ctx context.Context, sessionID string) error
}

type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

type Issued struct {
	Session *models.Session
	Token   string
}

type Manager struct {
	store  Store
	csrf   SecretDestroyer
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewManager falls back to a random signing key when none is configured;
// tokens then die with the process.
func NewManager(store Store, csrf SecretDestroyer, cfg config.SessionConfig, logger *zap.Logger) (*Manager, error) {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, minSigningKeyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate session signing key: %w", err)
		}
		logger.Warn("SESSION_SIGNING_KEY not set, using an ephemeral key")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}

	return &Manager{
		store:  store,
		csrf:   csrf,
		key:    key,
		ttl:    cfg.TTL,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Create starts a session. An empty credentialID makes an anonymous
// session, used to anchor CSRF tokens before login.
func (m *Manager) Create(ctx context.Context, credentialID, ip string) (*Issued, error) {
	now := m.now().UTC()
	sess := &models.Session{
		SessionID:    uuid.NewString(),
		CredentialID: credentialID,
		IPAddress:    ip,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}

	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	token, err := m.sign(sess)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Session created",
		zap.String("session_id", sess.SessionID),
		zap.Bool("anonymous", sess.Anonymous()))
	return &Issued{Session: sess, Token: token}, nil
}

func (m *Manager) sign(sess *models.Session) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.CredentialID,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		SessionID: sess.SessionID,
	})

	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Resolve verifies the token and loads its live session. Any mismatch
// between token and record yields ErrSessionInvalid.
func (m *Manager) Resolve(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return nil, ErrSessionInvalid
	}

	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.CredentialID != claims.Subject || sess.Expired(m.now()) {
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// Destroy removes the session record and its CSRF secret. Destroying an
// unknown session is not an error.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if m.csrf != nil {
		if err := m.csrf.Destroy(ctx, sessionID); err != nil {
			return err
		}
	}
	m.logger.Debug("Session destroyed", zap.String("session_id", sessionID))
	return nil
}

// DestroyAllFor ends every session of a credential except keep, which
// may be empty. It returns how many sessions were destroyed.
func (m *Manager) DestroyAllFor(ctx context.Context, credentialID, keep string) (int, error) {
	ids, err := m.store.SessionIDsFor(ctx, credentialID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if id == keep {
			continue
		}
		if err := m.Destroy(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}

	if n > 0 {
		m.logger.Info("Sessions revoked", zap.String("credential_id", credentialID), zap.Int("count", n))
	}
	return n, errors.Join(errs...)
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}
