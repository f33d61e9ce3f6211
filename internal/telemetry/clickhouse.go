package telemetry

import (
	"context"
	"fmt"
	"regexp"

	"credguard/internal/models"

	"go.uber.org/zap"
)

// batchInserter is the slice of the ClickHouse client the writer needs.
type batchInserter interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, rows [][]any) error
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseWriter stores one row per comparison. Encodings are not
// stored; the row carries timings and outcome only.
type ClickHouseWriter struct {
	conn   batchInserter
	table  string
	logger *zap.Logger
}

func NewClickHouseWriter(conn batchInserter, table string, logger *zap.Logger) (*ClickHouseWriter, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHouseWriter{conn: conn, table: table, logger: logger}, nil
}

func (w *ClickHouseWriter) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	record_id          UUID,
	identity           String,
	bcrypt_hash_ms     Float64,
	bcrypt_verify_ms   Float64,
	bcrypt_verified    Bool,
	argon2id_hash_ms   Float64,
	argon2id_verify_ms Float64,
	argon2id_verified  Bool,
	faster             LowCardinality(String),
	created_at         DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, record_id)`, w.table)

	if err := w.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create comparison table: %w", err)
	}
	w.logger.Info("ClickHouse comparison table ready", zap.String("table", w.table))
	return nil
}

func (w *ClickHouseWriter) WriteComparisons(ctx context.Context, records []*models.HashComparisonRecord) error {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.RecordID,
			r.Identity,
			r.Bcrypt.HashMs,
			r.Bcrypt.VerifyMs,
			r.Bcrypt.Verified,
			r.Argon2id.HashMs,
			r.Argon2id.VerifyMs,
			r.Argon2id.Verified,
			string(r.FasterAlgorithm()),
			r.CreatedAt.UTC(),
		})
	}

	if err := w.conn.BatchInsert(ctx, "INSERT INTO "+w.table, rows); err != nil {
		return fmt.Errorf("insert %d comparisons: %w", len(rows), err)
	}
	return nil
}

// LogWriter records comparisons in the service log only.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteComparisons(_ context.Context, records []*models.HashComparisonRecord) error {
	for _, r := range records {
		w.logger.Info("Hash comparison",
			zap.String("record_id", r.RecordID),
			zap.Float64("bcrypt_hash_ms", r.Bcrypt.HashMs),
			zap.Float64("bcrypt_verify_ms", r.Bcrypt.VerifyMs),
			zap.Float64("argon2id_hash_ms", r.Argon2id.HashMs),
			zap.Float64("argon2id_verify_ms", r.Argon2id.VerifyMs),
			zap.String("faster", string(r.FasterAlgorithm())),
		)
	}
	return nil
}
