package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credguard/internal/models"
	"credguard/internal/repository"
)

const credentialColumns = `credential_id, username, email, algorithm, password_hash, created_at, updated_at, last_login_at`

// Timestamps are stored as unix milliseconds so both dialects agree.
type CredentialStore struct {
	db     *DB
	logger *zap.Logger
}

func NewCredentialStore(db *DB, logger *zap.Logger) *CredentialStore {
	return &CredentialStore{db: db, logger: logger}
}

func (s *CredentialStore) FindByIdentity(ctx context.Context, field models.IdentityField, value string) (*models.Credential, error) {
	var column string
	switch field {
	case models.IdentityUsername:
		column = "username"
	case models.IdentityEmail:
		column = "email"
	default:
		return nil, fmt.Errorf("unknown identity field %q", field)
	}

	row := s.db.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+credentialColumns+` FROM credentials WHERE `+column+` = ?`), value)
	return scanCredential(row)
}

func (s *CredentialStore) FindByID(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		s.db.rebind(`SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`), id)
	return scanCredential(row)
}

func scanCredential(row *sql.Row) (*models.Credential, error) {
	var (
		cred                 models.Credential
		algorithm            string
		createdAt, updatedAt int64
		lastLogin            sql.NullInt64
	)
	err := row.Scan(&cred.ID, &cred.Username, &cred.Email, &algorithm, &cred.Hash.Value,
		&createdAt, &updatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	cred.Hash.Algorithm = models.ParseAlgorithm(algorithm)
	cred.CreatedAt = time.UnixMilli(createdAt).UTC()
	cred.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64).UTC()
		cred.LastLoginAt = &t
	}
	return &cred, nil
}

// Insert leans on the table's unique constraints, so two racing inserts
// for one identity cannot both succeed.
func (s *CredentialStore) Insert(ctx context.Context, cred *models.Credential) (string, error) {
	id := cred.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := cred.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO credentials (credential_id, username, email, algorithm, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, cred.Username, cred.Email, string(cred.Hash.Algorithm), cred.Hash.Value,
		created.UnixMilli(), created.UnixMilli())
	if err != nil {
		if column, ok := uniqueViolation(err); ok {
			return "", fmt.Errorf("%s: %w", column, repository.ErrDuplicate)
		}
		s.logger.Error("Failed to create credential", zap.Error(err))
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (s *CredentialStore) ReplaceHash(ctx context.Context, id string, enc models.HashEncoding) error {
	return s.updateOne(ctx,
		`UPDATE credentials SET algorithm = ?, password_hash = ?, updated_at = ? WHERE credential_id = ?`,
		string(enc.Algorithm), enc.Value, time.Now().UnixMilli(), id)
}

func (s *CredentialStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateOne(ctx,
		`UPDATE credentials SET last_login_at = ? WHERE credential_id = ?`,
		at.UnixMilli(), id)
}

func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	return s.updateOne(ctx, `DELETE FROM credentials WHERE credential_id = ?`, id)
}

func (s *CredentialStore) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *CredentialStore) ScanHashes(ctx context.Context, fn func(models.StoredHash) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT algorithm, password_hash, created_at FROM credentials`)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			algorithm, value string
			createdAt        int64
		)
		if err := rows.Scan(&algorithm, &value, &createdAt); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		err := fn(models.StoredHash{
			Tag:       models.ParseAlgorithm(algorithm),
			Value:     value,
			CreatedAt: time.UnixMilli(createdAt).UTC(),
		})
		if err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *CredentialStore) HealthCheck(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}
