package memory

import (
	"context"
	"sync"

	"credguard/internal/models"
	"credguard/internal/repository"
)

// SessionStore holds session records and their CSRF secrets.
type SessionStore struct {
	mu           sync.RWMutex
	sessions     map[string]models.Session
	byCredential map[string]map[string]struct{}
	secrets      map[string][]byte
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]models.Session),
		byCredential: make(map[string]map[string]struct{}),
		secrets:      make(map[string][]byte),
	}
}

func (s *SessionStore) SaveSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.SessionID] = *sess
	if sess.CredentialID != "" {
		ids, ok := s.byCredential[sess.CredentialID]
		if !ok {
			ids = make(map[string]struct{})
			s.byCredential[sess.CredentialID] = ids
		}
		ids[sess.SessionID] = struct{}{}
	}
	return nil
}

// SessionIDsFor lists the sessions recorded for a credential.
func (s *SessionStore) SessionIDsFor(ctx context.Context, credentialID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byCredential[credentialID]))
	for id := range s.byCredential[credentialID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sess, nil
}

func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		if ids := s.byCredential[sess.CredentialID]; ids != nil {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(s.byCredential, sess.CredentialID)
			}
		}
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *SessionStore) GetSecret(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]byte(nil), secret...), nil
}

// SetSecretIfAbsent returns the secret that ends up stored, which is the
// existing one if another request won the race.
func (s *SessionStore) SetSecretIfAbsent(ctx context.Context, sessionID string, secret []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.secrets[sessionID]; ok {
		return append([]byte(nil), existing...), nil
	}
	s.secrets[sessionID] = append([]byte(nil), secret...)
	return append([]byte(nil), secret...), nil
}

func (s *SessionStore) DeleteSecret(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, sessionID)
	return nil
}
