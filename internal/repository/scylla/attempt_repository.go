package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"credguard/internal/bucketing"
	"credguard/internal/models"
)

// AttemptRepository keeps failed attempts in one partition per source.
// Old rows fall away through the table's default TTL, so no read ever
// deletes.
type AttemptRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
	logger    *zap.Logger
}

func NewAttemptRepository(client *ScyllaClient, bm *bucketing.BucketingManager, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		client:    client,
		bucketing: bm,
		logger:    logger,
	}
}

func (r *AttemptRepository) Append(ctx context.Context, attempt models.FailedAttempt) error {
	err := r.client.Query(ctx,
		`INSERT INTO failed_attempts (bucket, source_id, attempt_at, attempt_id, ip_address, email)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.bucketing.AttemptBucket(attempt.SourceID), attempt.SourceID,
		attempt.AttemptAt.UTC(), gocql.TimeUUID(),
		attempt.IPAddress, attempt.Email).Exec()
	if err != nil {
		r.logger.Error("Failed to record failed attempt", zap.String("source", attempt.SourceID), zap.Error(err))
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return nil
}

func (r *AttemptRepository) CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error) {
	var n int
	err := r.client.Query(ctx,
		`SELECT COUNT(*) FROM failed_attempts WHERE bucket = ? AND source_id = ? AND attempt_at >= ?`,
		r.bucketing.AttemptBucket(sourceID), sourceID, windowStart.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return n, nil
}

func (r *AttemptRepository) OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error) {
	var at time.Time
	err := r.client.Query(ctx,
		`SELECT attempt_at FROM failed_attempts WHERE bucket = ? AND source_id = ? AND attempt_at >= ? LIMIT 1`,
		r.bucketing.AttemptBucket(sourceID), sourceID, windowStart.UTC()).Scan(&at)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read oldest attempt: %w", err)
	}
	return at.UTC(), true, nil
}

func (r *AttemptRepository) DeleteAll(ctx context.Context, sourceID string) error {
	err := r.client.Query(ctx,
		`DELETE FROM failed_attempts WHERE bucket = ? AND source_id = ?`,
		r.bucketing.AttemptBucket(sourceID), sourceID).Exec()
	if err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}
