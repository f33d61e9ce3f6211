package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"credguard/internal/models"
)

// AttemptStore trims rows older than the queried window on each count.
type AttemptStore struct {
	db     *DB
	logger *zap.Logger
}

func NewAttemptStore(db *DB, logger *zap.Logger) *AttemptStore {
	return &AttemptStore{db: db, logger: logger}
}

func (s *AttemptStore) Append(ctx context.Context, attempt models.FailedAttempt) error {
	_, err := s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO failed_attempts (attempt_id, source_id, ip_address, email, attempt_at) VALUES (?, ?, ?, ?, ?)`),
		uuid.NewString(), attempt.SourceID, attempt.IPAddress, attempt.Email, attempt.AttemptAt.UnixMilli())
	if err != nil {
		s.logger.Error("Failed to record failed attempt", zap.String("source", attempt.SourceID), zap.Error(err))
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *AttemptStore) CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error) {
	start := windowStart.UnixMilli()

	if _, err := s.db.ExecContext(ctx, s.db.rebind(
		`DELETE FROM failed_attempts WHERE source_id = ? AND attempt_at < ?`), sourceID, start); err != nil {
		s.logger.Warn("Failed to prune failed attempts", zap.String("source", sourceID), zap.Error(err))
	}

	var n int
	err := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT COUNT(*) FROM failed_attempts WHERE source_id = ? AND attempt_at >= ?`), sourceID, start).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (s *AttemptStore) OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT MIN(attempt_at) FROM failed_attempts WHERE source_id = ? AND attempt_at >= ?`),
		sourceID, windowStart.UnixMilli()).Scan(&oldest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("db error: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(oldest.Int64).UTC(), true, nil
}

func (s *AttemptStore) DeleteAll(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, s.db.rebind(
		`DELETE FROM failed_attempts WHERE source_id = ?`), sourceID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
