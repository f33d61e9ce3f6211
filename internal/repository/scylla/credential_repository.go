package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"credguard/internal/bucketing"
	"credguard/internal/models"
	"credguard/internal/repository"
)

const (
	insertUsernameCQL = `INSERT INTO credentials_by_username (username, credential_id) VALUES (?, ?) IF NOT EXISTS`
	insertEmailCQL    = `INSERT INTO credentials_by_email (email, credential_id) VALUES (?, ?) IF NOT EXISTS`
	deleteUsernameCQL = `DELETE FROM credentials_by_username WHERE username = ? IF credential_id = ?`
	deleteEmailCQL    = `DELETE FROM credentials_by_email WHERE email = ? IF credential_id = ?`

	insertCredentialCQL = `INSERT INTO credentials (
		credential_bucket, credential_id, username, email, algorithm, password_hash, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectCredentialCQL = `SELECT credential_id, username, email, algorithm, password_hash, created_at, updated_at, last_login_at
		FROM credentials WHERE credential_bucket = ? AND credential_id = ?`

	updateHashCQL = `UPDATE credentials SET algorithm = ?, password_hash = ?, updated_at = ?
		WHERE credential_bucket = ? AND credential_id = ? IF EXISTS`

	updateLastLoginCQL = `UPDATE credentials SET last_login_at = ?
		WHERE credential_bucket = ? AND credential_id = ? IF EXISTS`

	deleteCredentialCQL = `DELETE FROM credentials WHERE credential_bucket = ? AND credential_id = ?`

	selectHashesCQL = `SELECT algorithm, password_hash, created_at FROM credentials WHERE credential_bucket = ?`
)

// CredentialRepository stores credentials bucketed by id, with one
// lookup table per identity field. Uniqueness is claimed through
// lightweight transactions on the lookup tables before the main row is
// written.
type CredentialRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

func NewCredentialRepository(client *ScyllaClient, bm *bucketing.BucketingManager, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{
		client:    client,
		bucketing: bm,
		logger:    logger,
	}
}

func (r *CredentialRepository) FindByIdentity(ctx context.Context, field models.IdentityField, value string) (*models.Credential, error) {
	var stmt string
	switch field {
	case models.IdentityUsername:
		stmt = `SELECT credential_id FROM credentials_by_username WHERE username = ?`
	case models.IdentityEmail:
		stmt = `SELECT credential_id FROM credentials_by_email WHERE email = ?`
	default:
		return nil, fmt.Errorf("unknown identity field %q", field)
	}

	var id string
	if err := r.client.Query(ctx, stmt, value).Scan(&id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up credential by %s: %w", field, err)
	}
	return r.FindByID(ctx, id)
}

func (r *CredentialRepository) FindByID(ctx context.Context, id string) (*models.Credential, error) {
	var (
		cred      models.Credential
		algorithm string
		lastLogin time.Time
	)
	err := r.client.Query(ctx, selectCredentialCQL, r.bucketing.CredentialBucket(id), id).Scan(
		&cred.ID, &cred.Username, &cred.Email, &algorithm, &cred.Hash.Value,
		&cred.CreatedAt, &cred.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		r.logger.Error("Failed to get credential by ID", zap.String("credential_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.CredentialBucket = r.bucketing.CredentialBucket(id)
	cred.Hash.Algorithm = models.ParseAlgorithm(algorithm)
	if !lastLogin.IsZero() {
		t := lastLogin.UTC()
		cred.LastLoginAt = &t
	}
	return &cred, nil
}

func (r *CredentialRepository) Insert(ctx context.Context, cred *models.Credential) (string, error) {
	id := cred.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	created := cred.CreatedAt
	if created.IsZero() {
		created = now
	}

	if err := r.claim(ctx, insertUsernameCQL, cred.Username, id); err != nil {
		return "", fmt.Errorf("username: %w", err)
	}
	if err := r.claim(ctx, insertEmailCQL, cred.Email, id); err != nil {
		r.release(ctx, deleteUsernameCQL, cred.Username, id)
		return "", fmt.Errorf("email: %w", err)
	}

	err := r.client.Query(ctx, insertCredentialCQL,
		r.bucketing.CredentialBucket(id), id, cred.Username, cred.Email,
		string(cred.Hash.Algorithm), cred.Hash.Value, created, created).Exec()
	if err != nil {
		r.release(ctx, deleteUsernameCQL, cred.Username, id)
		r.release(ctx, deleteEmailCQL, cred.Email, id)
		r.logger.Error("Failed to create credential", zap.String("credential_id", id), zap.Error(err))
		return "", fmt.Errorf("failed to create credential: %w", err)
	}

	r.logger.Info("Credential created", zap.String("credential_id", id))
	return id, nil
}

// claim inserts a lookup row with IF NOT EXISTS. A rejected insert means
// another credential already holds the value.
func (r *CredentialRepository) claim(ctx context.Context, stmt, value, id string) error {
	applied, err := r.client.Query(ctx, stmt, value, id).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to claim identity: %w", err)
	}
	if !applied {
		return repository.ErrDuplicate
	}
	return nil
}

func (r *CredentialRepository) release(ctx context.Context, stmt, value, id string) {
	if _, err := r.client.Query(ctx, stmt, value, id).MapScanCAS(map[string]any{}); err != nil {
		r.logger.Warn("Failed to release identity claim", zap.String("credential_id", id), zap.Error(err))
	}
}

func (r *CredentialRepository) ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error {
	applied, err := r.client.Query(ctx, updateHashCQL,
		string(enc.Algorithm), enc.Value, time.Now().UTC(),
		r.bucketing.CredentialBucket(id), id).MapScanCAS(map[string]any{})
	if err != nil {
		r.logger.Error("Failed to replace hash", zap.String("credential_id", id), zap.Error(err))
		return fmt.Errorf("failed to replace hash: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	applied, err := r.client.Query(ctx, updateLastLoginCQL,
		at.UTC(), r.bucketing.CredentialBucket(id), id).MapScanCAS(map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	cred, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.client.Query(ctx, deleteCredentialCQL, r.bucketing.CredentialBucket(id), id).Exec(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	r.release(ctx, deleteUsernameCQL, cred.Username, id)
	r.release(ctx, deleteEmailCQL, cred.Email, id)

	r.logger.Info("Credential deleted", zap.String("credential_id", id))
	return nil
}

// ScanHashes walks every bucket partition.
func (r *CredentialRepository) ScanHashes(ctx context.Context, fn func(models.StoredHash) error) error {
	for bucket := 0; bucket < r.bucketing.CredentialBuckets(); bucket++ {
		iter := r.client.Query(ctx, selectHashesCQL, bucket).Iter()
		var (
			algorithm, value string
			createdAt        time.Time
		)
		for iter.Scan(&algorithm, &value, &createdAt) {
			err := fn(models.StoredHash{
				Tag:       models.ParseAlgorithm(algorithm),
				Value:     value,
				CreatedAt: createdAt.UTC(),
			})
			if err != nil {
				_ = iter.Close()
				return err
			}
		}
		if err := iter.Close(); err != nil {
			return fmt.Errorf("failed to scan hashes in bucket %d: %w", bucket, err)
		}
	}
	return nil
}

func (r *CredentialRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
