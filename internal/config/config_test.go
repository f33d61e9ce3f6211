package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")

	cfg := LoadConfig()

	assert.Equal(t, 12, cfg.Hashing.BcryptCost)
	assert.Equal(t, uint32(64*1024), cfg.Hashing.Argon2Memory)
	assert.Equal(t, uint32(3), cfg.Hashing.Argon2Time)
	assert.Equal(t, uint8(1), cfg.Hashing.Argon2Threads)
	assert.Equal(t, 2, cfg.Strength.MinScore)
	assert.Equal(t, 15*time.Minute, cfg.BruteForce.Window)
	assert.Equal(t, 5, cfg.BruteForce.MaxFailures)
	assert.True(t, cfg.BruteForce.FailClosed)
	assert.Equal(t, "X-CSRF-Token", cfg.CSRF.HeaderName)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("BRUTEFORCE_WINDOW", "2m")
	t.Setenv("BRUTEFORCE_FAIL_CLOSED", "false")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 2*time.Minute, cfg.BruteForce.Window)
	assert.False(t, cfg.BruteForce.FailClosed)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Same(t, cfg, Get())
}

func TestValidate(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bcrypt cost", func(c *Config) { c.Hashing.BcryptCost = 40 }},
		{"min score", func(c *Config) { c.Strength.MinScore = 5 }},
		{"window", func(c *Config) { c.BruteForce.Window = 0 }},
		{"workers", func(c *Config) { c.Hashing.Workers = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.Attempts = "mongo" }},
		{"redis credentials", func(c *Config) { c.Storage.Credentials = BackendRedis }},
		{"kms without key", func(c *Config) { c.KMS.Enabled = true }},
		{"production signing key", func(c *Config) { c.Environment = "production" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetServerAddress(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 9090}}
	assert.Equal(t, "127.0.0.1:9090", cfg.GetServerAddress())
}
