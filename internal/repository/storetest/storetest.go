// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"credguard/internal/models"
	"credguard/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type CredentialStore interface {
	FindByIdentity(ctx context.Context, field models.IdentityField, value string) (*models.Credential, error)
	FindByID(ctx context.Context, id string) (*models.Credential, error)
	Insert(ctx context.Context, cred *models.Credential) (string, error)
	ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
	ScanHashes(ctx context.Context, fn func(models.StoredHash) error) error
}

type AttemptStore interface {
	Append(ctx context.Context, attempt models.FailedAttempt) error
	CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error)
	OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error)
	DeleteAll(ctx context.Context, sourceID string) error
}

type SessionStore interface {
	SaveSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SessionIDsFor(ctx context.Context, credentialID string) ([]string, error)
	GetSecret(ctx context.Context, sessionID string) ([]byte, error)
	SetSecretIfAbsent(ctx context.Context, sessionID string, secret []byte) ([]byte, error)
	DeleteSecret(ctx context.Context, sessionID string) error
}

func credential(username, email string) *models.Credential {
	return &models.Credential{
		Username: username,
		Email:    email,
		Hash: models.HashEncoding{
			Algorithm: models.AlgorithmBcrypt,
			Value:     "$2a$04$abcdefghijklmnopqrstuu5l2Yx1bS3H5o6C9tQ1V3r4c6e8g0i2K",
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// RunCredentialStore exercises lookup, uniqueness and mutation.
func RunCredentialStore(t *testing.T, newStore func(t *testing.T) CredentialStore) {
	t.Run("insert and find", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Insert(ctx, credential("alice", "alice@example.com"))
		require.NoError(t, err)
		require.NotEmpty(t, id)

		byName, err := s.FindByIdentity(ctx, models.IdentityUsername, "alice")
		require.NoError(t, err)
		assert.Equal(t, id, byName.ID)
		assert.Equal(t, "alice@example.com", byName.Email)
		assert.Equal(t, models.AlgorithmBcrypt, byName.Hash.Algorithm)
		assert.Nil(t, byName.LastLoginAt)

		byEmail, err := s.FindByIdentity(ctx, models.IdentityEmail, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, id, byEmail.ID)

		byID, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, byName.Hash, byID.Hash)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.FindByIdentity(ctx, models.IdentityUsername, "ghost")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.FindByIdentity(ctx, models.IdentityEmail, "ghost@example.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.FindByID(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.ErrorIs(t, s.ReplaceHash(ctx, "00000000-0000-0000-0000-000000000000", models.HashEncoding{}), repository.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "00000000-0000-0000-0000-000000000000"), repository.ErrNotFound)
	})

	t.Run("duplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Insert(ctx, credential("alice", "alice@example.com"))
		require.NoError(t, err)

		_, err = s.Insert(ctx, credential("alice", "other@example.com"))
		assert.ErrorIs(t, err, repository.ErrDuplicate)
		_, err = s.Insert(ctx, credential("other", "alice@example.com"))
		assert.ErrorIs(t, err, repository.ErrDuplicate)

		// A failed insert must not reserve its other identity field.
		_, err = s.Insert(ctx, credential("other", "other@example.com"))
		assert.NoError(t, err)
	})

	t.Run("concurrent duplicate insert", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Insert(ctx, credential("racer", fmt.Sprintf("racer%d@example.com", i)))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("replace hash and touch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Insert(ctx, credential("alice", "alice@example.com"))
		require.NoError(t, err)

		next := models.HashEncoding{Algorithm: models.AlgorithmArgon2id, Value: "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5"}
		require.NoError(t, s.ReplaceHash(ctx, id, next))

		at := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.TouchLastLogin(ctx, id, at))

		got, err := s.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, next, got.Hash)
		require.NotNil(t, got.LastLoginAt)
		assert.WithinDuration(t, at, *got.LastLoginAt, time.Millisecond)
	})

	t.Run("delete frees identity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Insert(ctx, credential("alice", "alice@example.com"))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, id))

		_, err = s.FindByID(ctx, id)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		_, err = s.FindByIdentity(ctx, models.IdentityEmail, "alice@example.com")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		_, err = s.Insert(ctx, credential("alice", "alice@example.com"))
		assert.NoError(t, err)
	})

	t.Run("scan hashes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Insert(ctx, credential("a1", "a1@example.com"))
		require.NoError(t, err)
		id, err := s.Insert(ctx, credential("a2", "a2@example.com"))
		require.NoError(t, err)
		require.NoError(t, s.ReplaceHash(ctx, id, models.HashEncoding{
			Algorithm: models.AlgorithmArgon2id,
			Value:     "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		}))

		seen := map[string]models.Algorithm{}
		require.NoError(t, s.ScanHashes(ctx, func(h models.StoredHash) error {
			assert.False(t, h.CreatedAt.IsZero())
			seen[h.Value] = h.Tag
			return nil
		}))
		require.Len(t, seen, 2)
		assert.Equal(t, models.AlgorithmArgon2id, seen["$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5"])

		stop := errors.New("stop")
		calls := 0
		err = s.ScanHashes(ctx, func(models.StoredHash) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}

// RunAttemptStore exercises the inclusive window and per-source isolation.
func RunAttemptStore(t *testing.T, newStore func(t *testing.T) AttemptStore) {
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	attempt := func(src string, at time.Time) models.FailedAttempt {
		return models.FailedAttempt{SourceID: src, IPAddress: "203.0.113.5", AttemptAt: at}
	}

	t.Run("count since is inclusive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, attempt("src", t0.Add(time.Duration(i)*time.Minute))))
		}

		n, err := s.CountSince(ctx, "src", t0)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = s.CountSince(ctx, "src", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.CountSince(ctx, "src", t0.Add(time.Minute+time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("oldest since", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.OldestSince(ctx, "src", t0)
		require.NoError(t, err)
		assert.False(t, ok)

		// Out of order appends still report the true oldest.
		require.NoError(t, s.Append(ctx, attempt("src", t0.Add(2*time.Minute))))
		require.NoError(t, s.Append(ctx, attempt("src", t0.Add(time.Minute))))

		oldest, ok, err := s.OldestSince(ctx, "src", t0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.WithinDuration(t, t0.Add(time.Minute), oldest, time.Millisecond)
	})

	t.Run("sources are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Append(ctx, attempt("a", t0)))
		require.NoError(t, s.Append(ctx, attempt("a", t0)))
		require.NoError(t, s.Append(ctx, attempt("b", t0)))

		n, err := s.CountSince(ctx, "a", t0)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, s.DeleteAll(ctx, "a"))
		n, err = s.CountSince(ctx, "a", t0)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.CountSince(ctx, "b", t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		assert.NoError(t, s.DeleteAll(ctx, "never-seen"))
	})
}

// RunSessionStore exercises session records and CSRF secrets.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) SessionStore) {
	t.Run("session round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		sess := &models.Session{
			SessionID:    "sess-1",
			CredentialID: "cred-1",
			IPAddress:    "203.0.113.5",
			CreatedAt:    now,
			ExpiresAt:    now.Add(time.Hour),
		}
		require.NoError(t, s.SaveSession(ctx, sess))

		got, err := s.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, sess.CredentialID, got.CredentialID)
		assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, s.DeleteSession(ctx, "sess-1"))
		_, err = s.GetSession(ctx, "sess-1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, s.DeleteSession(ctx, "sess-1"))
	})

	t.Run("sessions by credential", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()

		for _, id := range []string{"s1", "s2"} {
			require.NoError(t, s.SaveSession(ctx, &models.Session{
				SessionID: id, CredentialID: "cred-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			}))
		}
		require.NoError(t, s.SaveSession(ctx, &models.Session{
			SessionID: "s3", CredentialID: "cred-2", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))

		ids, err := s.SessionIDsFor(ctx, "cred-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

		require.NoError(t, s.DeleteSession(ctx, "s1"))
		ids, err = s.SessionIDsFor(ctx, "cred-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"s2"}, ids)

		ids, err = s.SessionIDsFor(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("secret set if absent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetSecret(ctx, "sess-1")
		assert.ErrorIs(t, err, repository.ErrNotFound)

		first, err := s.SetSecretIfAbsent(ctx, "sess-1", []byte("first-secret-0123456789abcdef012"))
		require.NoError(t, err)
		second, err := s.SetSecretIfAbsent(ctx, "sess-1", []byte("second-secret-123456789abcdef012"))
		require.NoError(t, err)
		assert.Equal(t, first, second)

		got, err := s.GetSecret(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, first, got)

		require.NoError(t, s.DeleteSecret(ctx, "sess-1"))
		_, err = s.GetSecret(ctx, "sess-1")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, s.DeleteSecret(ctx, "sess-1"))
	})
}
