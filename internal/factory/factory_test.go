package factory

import (
	"context"
	"testing"
	"time"

	"credguard/internal/config"
	"credguard/internal/repository/sqlstore"
	"credguard/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(credentials, attempts string) *config.Config {
	return &config.Config{
		Environment: "test",
		Storage: config.StorageConfig{
			Credentials: credentials,
			Attempts:    attempts,
			Sessions:    config.BackendMemory,
		},
		SQL: config.SQLConfig{DSN: ":memory:"},
		Hashing: config.HashingConfig{
			BcryptCost:    4,
			Argon2Memory:  1024,
			Argon2Time:    1,
			Argon2Threads: 1,
			Argon2SaltLen: 16,
			Argon2KeyLen:  32,
			Workers:       2,
		},
		Strength: config.StrengthConfig{
			MinScore:        2,
			MinLength:       8,
			RequireLower:    true,
			RequireUpper:    true,
			RequireDigit:    true,
			StructuralGate:  true,
			ScoreGate:       true,
			MaxAnalyzeRunes: 100,
		},
		BruteForce: config.BruteForceConfig{Window: 15 * time.Minute, MaxFailures: 5, FailClosed: true},
		CSRF:       config.CSRFConfig{HeaderName: "X-CSRF-Token", SecretTTL: time.Hour},
		Session:    config.SessionConfig{SigningKey: "0123456789abcdef0123456789abcdef", TTL: time.Hour},
		Bucketing:  config.BucketingConfig{CredentialBuckets: 4, AttemptBuckets: 4},
	}
}

func TestFactoryWiresWorkingAuthenticator(t *testing.T) {
	tests := []struct {
		name        string
		credentials string
		attempts    string
		components  []string
	}{
		{"memory", config.BackendMemory, config.BackendMemory, []string{"credentials"}},
		{"sqlite", config.BackendSQLite, config.BackendSQLite, []string{"credentials", "sql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFactory(testConfig(tt.credentials, tt.attempts), zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { f.Close() })

			ctx := context.Background()
			auth := f.ServiceFactory().Authenticator()
			assert.Same(t, auth, f.ServiceFactory().Authenticator())

			cred, err := auth.Register(ctx, service.RegisterRequest{
				Username: "factory_user",
				Email:    "factory@example.com",
				Password: "vR7#qLm2!xTz9pWk",
			})
			require.NoError(t, err)

			got, err := auth.Authenticate(ctx, service.LoginRequest{
				Identity: "factory@example.com",
				Password: "vR7#qLm2!xTz9pWk",
				SourceIP: "198.51.100.7",
			})
			require.NoError(t, err)
			assert.Equal(t, cred.ID, got.ID)

			report, err := auth.HashReport(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Total)

			issued, err := f.SessionManager().Create(ctx, cred.ID, "198.51.100.7")
			require.NoError(t, err)
			_, err = f.SessionManager().Resolve(ctx, issued.Token)
			assert.NoError(t, err)

			health := f.HealthCheck(ctx)
			for _, name := range tt.components {
				assert.Contains(t, health, name)
				assert.NoError(t, health[name])
			}
		})
	}
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	_, err := NewFactory(testConfig("cassandra", config.BackendMemory), zap.NewNop())
	assert.Error(t, err)
}

func TestSQLDialect(t *testing.T) {
	tests := []struct {
		credentials, attempts string
		want                  sqlstore.Dialect
		wantErr               bool
	}{
		{config.BackendMemory, config.BackendRedis, "", false},
		{config.BackendPostgres, config.BackendRedis, sqlstore.DialectPostgres, false},
		{config.BackendScylla, config.BackendSQLite, sqlstore.DialectSQLite, false},
		{config.BackendPostgres, config.BackendSQLite, "", true},
	}
	for _, tt := range tests {
		got, err := sqlDialect(testConfig(tt.credentials, tt.attempts))
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := NewFactory(testConfig(config.BackendMemory, config.BackendMemory), zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())
	f.WaitForClose()
}
