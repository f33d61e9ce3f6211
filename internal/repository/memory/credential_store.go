// Package memory provides in-process stores for tests and single-node
// development. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"credguard/internal/models"
	"credguard/internal/repository"

	"github.com/google/uuid"
)

type CredentialStore struct {
	mu         sync.RWMutex
	byID       map[string]*models.Credential
	byUsername map[string]string
	byEmail    map[string]string
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byID:       make(map[string]*models.Credential),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (s *CredentialStore) FindByIdentity(ctx context.Context, field models.IdentityField, value string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var index map[string]string
	switch field {
	case models.IdentityUsername:
		index = s.byUsername
	case models.IdentityEmail:
		index = s.byEmail
	default:
		return nil, fmt.Errorf("unknown identity field %q", field)
	}

	id, ok := index[value]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

// Insert enforces username and email uniqueness atomically.
func (s *CredentialStore) Insert(ctx context.Context, cred *models.Credential) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byUsername[cred.Username]; taken {
		return "", fmt.Errorf("username: %w", repository.ErrDuplicate)
	}
	if _, taken := s.byEmail[cred.Email]; taken {
		return "", fmt.Errorf("email: %w", repository.ErrDuplicate)
	}

	stored := cred.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = stored.CreatedAt

	s.byID[stored.ID] = stored
	s.byUsername[stored.Username] = stored.ID
	s.byEmail[stored.Email] = stored.ID

	return stored.ID, nil
}

func (s *CredentialStore) ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	c.Hash = enc
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *CredentialStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at.UTC()
	c.LastLoginAt = &t
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.byUsername, c.Username)
	delete(s.byEmail, c.Email)
	delete(s.byID, id)
	return nil
}

// ScanHashes calls fn once per stored credential. fn runs without the
// store lock held.
func (s *CredentialStore) ScanHashes(ctx context.Context, fn func(models.StoredHash) error) error {
	s.mu.RLock()
	rows := make([]models.StoredHash, 0, len(s.byID))
	for _, c := range s.byID {
		rows = append(rows, models.StoredHash{Tag: c.Hash.Algorithm, Value: c.Hash.Value, CreatedAt: c.CreatedAt})
	}
	s.mu.RUnlock()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *CredentialStore) HealthCheck(ctx context.Context) error {
	return nil
}
