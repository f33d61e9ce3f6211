package scylla

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"credguard/internal/config"
)

type ScyllaClient struct {
	Session *gocql.Session
	config  *config.ScyllaConfig
	logger  *zap.Logger
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	consistency, err := parseConsistency(scyllaConfig.Consistency)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = consistency
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.TLSCAFile,
			CertPath:               scyllaConfig.TLSCertFile,
			KeyPath:                scyllaConfig.TLSKeyFile,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace),
		zap.String("consistency", consistency.String()))

	return &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
		logger:  logger,
	}, nil
}

func parseConsistency(s string) (gocql.Consistency, error) {
	if s == "" {
		return gocql.LocalQuorum, nil
	}
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(s))
	if err != nil {
		return 0, fmt.Errorf("invalid SCYLLA_CONSISTENCY %q: %w", s, err)
	}
	return c, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		s.logger.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	s.logger.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// EnsureSchema creates the credential and attempt tables when missing.
// The keyspace itself must already exist.
func (s *ScyllaClient) EnsureSchema(ctx context.Context, attemptTTL time.Duration) error {
	for _, stmt := range schemaStatements(attemptTTL) {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("ScyllaDB schema ensured", zap.String("keyspace", s.config.Keyspace))
	return nil
}

func schemaStatements(attemptTTL time.Duration) []string {
	ttl := int(attemptTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			credential_bucket int,
			credential_id text,
			username text,
			email text,
			algorithm text,
			password_hash text,
			created_at timestamp,
			updated_at timestamp,
			last_login_at timestamp,
			PRIMARY KEY ((credential_bucket), credential_id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials_by_username (
			username text PRIMARY KEY,
			credential_id text
		)`,
		`CREATE TABLE IF NOT EXISTS credentials_by_email (
			email text PRIMARY KEY,
			credential_id text
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS failed_attempts (
			bucket int,
			source_id text,
			attempt_at timestamp,
			attempt_id timeuuid,
			ip_address text,
			email text,
			PRIMARY KEY ((bucket, source_id), attempt_at, attempt_id)
		) WITH CLUSTERING ORDER BY (attempt_at ASC, attempt_id ASC)
		AND default_time_to_live = %d`, ttl),
	}
}
