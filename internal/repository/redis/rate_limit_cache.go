package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"credguard/internal/models"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const failedAttemptsPrefix = "failed_attempts:"

// RateLimitCache keeps each source's failed attempts in a sorted set
// scored by unix milliseconds. Entries older than the queried window
// start are trimmed on read; the key itself expires after retention.
type RateLimitCache struct {
	rdb       redis.Cmdable
	prefix    string
	retention time.Duration
	logger    *zap.Logger
}

func NewRateLimitCache(rdb redis.Cmdable, prefix string, retention time.Duration, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{
		rdb:       rdb,
		prefix:    prefix + failedAttemptsPrefix,
		retention: retention,
		logger:    logger,
	}
}

func (c *RateLimitCache) key(sourceID string) string {
	return c.prefix + sourceID
}

func (c *RateLimitCache) Append(ctx context.Context, attempt models.FailedAttempt) error {
	key := c.key(attempt.SourceID)
	member := strconv.FormatInt(attempt.AttemptAt.UnixNano(), 10) + ":" + uuid.NewString()

	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(attempt.AttemptAt.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, c.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to record failed attempt", zap.String("source", attempt.SourceID), zap.Error(err))
		return fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return nil
}

// CountSince counts entries with score >= windowStart.
func (c *RateLimitCache) CountSince(ctx context.Context, sourceID string, windowStart time.Time) (int, error) {
	key := c.key(sourceID)
	start := windowStart.UnixMilli()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(start, 10))
	count := pipe.ZCount(ctx, key, strconv.FormatInt(start, 10), "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}
	return int(count.Val()), nil
}

func (c *RateLimitCache) OldestSince(ctx context.Context, sourceID string, windowStart time.Time) (time.Time, bool, error) {
	entries, err := c.rdb.ZRangeByScoreWithScores(ctx, c.key(sourceID), &redis.ZRangeBy{
		Min:   strconv.FormatInt(windowStart.UnixMilli(), 10),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read oldest attempt: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(entries[0].Score)).UTC(), true, nil
}

func (c *RateLimitCache) DeleteAll(ctx context.Context, sourceID string) error {
	if err := c.rdb.Del(ctx, c.key(sourceID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	c.logger.Debug("Failed attempts reset", zap.String("source", sourceID))
	return nil
}
