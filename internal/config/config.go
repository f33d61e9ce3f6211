package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by the Storage section.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendScylla   = "scylla"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	SQL           SQLConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Strength      StrengthConfig
	BruteForce    BruteForceConfig
	CSRF          CSRFConfig
	Session       SessionConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TrustProxy      bool

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig selects a backend per store.
type StorageConfig struct {
	Credentials string
	Attempts    string
	Sessions    string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string

	// Only read for rediss:// URLs.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type ScyllaConfig struct {
	Nodes       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration

	// Only read outside development.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type SQLConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
	// LocalKey is a base64 AES-256 key used when KMS is disabled.
	LocalKey string
}

type HashingConfig struct {
	BcryptCost    int
	Argon2Memory  uint32 // KiB
	Argon2Time    uint32
	Argon2Threads uint8
	Argon2SaltLen uint32
	Argon2KeyLen  uint32
	Workers       int

	BenchmarkOnRegister bool
}

type StrengthConfig struct {
	MinScore        int
	MinLength       int
	RequireLower    bool
	RequireUpper    bool
	RequireDigit    bool
	RequireSymbol   bool
	StructuralGate  bool
	ScoreGate       bool
	MaxAnalyzeRunes int
}

type BruteForceConfig struct {
	Window        time.Duration
	MaxFailures   int
	FailClosed    bool
	RefineByEmail bool
}

type CSRFConfig struct {
	HeaderName string
	SecretTTL  time.Duration
}

type SessionConfig struct {
	SigningKey string
	TTL        time.Duration
	CookieName string
}

type BucketingConfig struct {
	CredentialBuckets int
	AttemptBuckets    int
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvList("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			TrustProxy:      getEnvBool("SERVER_TRUST_PROXY", false),
			EnableTLS:       getEnvBool("TLS_ENABLED", false),
			AutoCert:        getEnvBool("TLS_AUTOCERT", false),
			Domain:          getEnv("TLS_DOMAIN", ""),
			CertFile:        getEnv("TLS_CERT_FILE", ""),
			KeyFile:         getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:     getEnv("TLS_AUTOCERT_DIR", "./certs"),
			Email:           getEnv("TLS_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Credentials: getEnv("STORAGE_CREDENTIALS", BackendMemory),
			Attempts:    getEnv("STORAGE_ATTEMPTS", BackendMemory),
			Sessions:    getEnv("STORAGE_SESSIONS", BackendMemory),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 50),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "credguard:"),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Scylla: ScyllaConfig{
			Nodes:       getEnvList("SCYLLA_NODES", []string{"127.0.0.1"}),
			Keyspace:    getEnv("SCYLLA_KEYSPACE", "credguard"),
			Username:    getEnv("SCYLLA_USERNAME", ""),
			Password:    getEnv("SCYLLA_PASSWORD", ""),
			Consistency: getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			Timeout:     getEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),

			TLSCAFile:   getEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.crt"),
			TLSKeyFile:  getEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
		},
		SQL: SQLConfig{
			DSN:          getEnv("SQL_DSN", "file:credguard.db?_pragma=busy_timeout(5000)"),
			MaxOpenConns: getEnvInt("SQL_MAX_OPEN_CONNS", 20),
			MaxIdleConns: getEnvInt("SQL_MAX_IDLE_CONNS", 5),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "credguard"),
			Table:    getEnv("CLICKHOUSE_COMPARISON_TABLE", "hash_comparisons"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),

			LocalKey: getEnv("ENCRYPTION_LOCAL_KEY", ""),
		},
		Hashing: HashingConfig{
			BcryptCost:          getEnvInt("HASH_BCRYPT_COST", 12),
			Argon2Memory:        uint32(getEnvInt("HASH_ARGON2_MEMORY_KIB", 64*1024)),
			Argon2Time:          uint32(getEnvInt("HASH_ARGON2_TIME", 3)),
			Argon2Threads:       uint8(getEnvInt("HASH_ARGON2_THREADS", 1)),
			Argon2SaltLen:       uint32(getEnvInt("HASH_ARGON2_SALT_LEN", 16)),
			Argon2KeyLen:        uint32(getEnvInt("HASH_ARGON2_KEY_LEN", 32)),
			Workers:             getEnvInt("HASH_WORKERS", 4),
			BenchmarkOnRegister: getEnvBool("HASH_BENCHMARK_ON_REGISTER", false),
		},
		Strength: StrengthConfig{
			MinScore:        getEnvInt("STRENGTH_MIN_SCORE", 2),
			MinLength:       getEnvInt("STRENGTH_MIN_LENGTH", 8),
			RequireLower:    getEnvBool("STRENGTH_REQUIRE_LOWER", true),
			RequireUpper:    getEnvBool("STRENGTH_REQUIRE_UPPER", true),
			RequireDigit:    getEnvBool("STRENGTH_REQUIRE_DIGIT", true),
			RequireSymbol:   getEnvBool("STRENGTH_REQUIRE_SYMBOL", false),
			StructuralGate:  getEnvBool("STRENGTH_STRUCTURAL_GATE", true),
			ScoreGate:       getEnvBool("STRENGTH_SCORE_GATE", true),
			MaxAnalyzeRunes: getEnvInt("STRENGTH_MAX_ANALYZE_RUNES", 100),
		},
		BruteForce: BruteForceConfig{
			Window:        getEnvDuration("BRUTEFORCE_WINDOW", 15*time.Minute),
			MaxFailures:   getEnvInt("BRUTEFORCE_MAX_FAILURES", 5),
			FailClosed:    getEnvBool("BRUTEFORCE_FAIL_CLOSED", true),
			RefineByEmail: getEnvBool("BRUTEFORCE_REFINE_BY_EMAIL", false),
		},
		CSRF: CSRFConfig{
			HeaderName: getEnv("CSRF_HEADER", "X-CSRF-Token"),
			SecretTTL:  getEnvDuration("CSRF_SECRET_TTL", 24*time.Hour),
		},
		Session: SessionConfig{
			SigningKey: getEnv("SESSION_SIGNING_KEY", ""),
			TTL:        getEnvDuration("SESSION_TTL", 24*time.Hour),
			CookieName: getEnv("SESSION_COOKIE", "credguard_session"),
		},
		Bucketing: BucketingConfig{
			CredentialBuckets: getEnvInt("BUCKETING_CREDENTIAL_BUCKETS", 64),
			AttemptBuckets:    getEnvInt("BUCKETING_ATTEMPT_BUCKETS", 16),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects settings that would silently weaken the security core.
func (c *Config) Validate() error {
	var errs []error

	if c.Hashing.BcryptCost < 4 || c.Hashing.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("HASH_BCRYPT_COST out of range: %d", c.Hashing.BcryptCost))
	}
	if c.Hashing.Argon2Memory < 8*uint32(c.Hashing.Argon2Threads) {
		errs = append(errs, errors.New("HASH_ARGON2_MEMORY_KIB too small for thread count"))
	}
	if c.Hashing.Argon2Time == 0 || c.Hashing.Argon2Threads == 0 {
		errs = append(errs, errors.New("argon2 time and threads must be positive"))
	}
	if c.Hashing.Argon2SaltLen < 8 || c.Hashing.Argon2KeyLen < 16 {
		errs = append(errs, errors.New("argon2 salt/key length too short"))
	}
	if c.Hashing.Argon2Memory > 4*1024*1024 || c.Hashing.Argon2Time > 64 ||
		c.Hashing.Argon2Threads > 64 || c.Hashing.Argon2SaltLen > 64 || c.Hashing.Argon2KeyLen > 128 {
		errs = append(errs, errors.New("argon2 parameters exceed the accepted maximum"))
	}
	if c.Hashing.Workers < 1 {
		errs = append(errs, errors.New("HASH_WORKERS must be at least 1"))
	}
	if c.Strength.MinScore < 0 || c.Strength.MinScore > 4 {
		errs = append(errs, fmt.Errorf("STRENGTH_MIN_SCORE out of range: %d", c.Strength.MinScore))
	}
	if c.Strength.MinLength < 1 {
		errs = append(errs, errors.New("STRENGTH_MIN_LENGTH must be positive"))
	}
	if c.BruteForce.Window <= 0 || c.BruteForce.MaxFailures < 1 {
		errs = append(errs, errors.New("brute-force window and max failures must be positive"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.IsProduction() && len(c.Session.SigningKey) < 32 {
		errs = append(errs, errors.New("SESSION_SIGNING_KEY must be at least 32 bytes in production"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID required when KMS is enabled"))
	}
	for name, backend := range map[string]string{
		"STORAGE_CREDENTIALS": c.Storage.Credentials,
		"STORAGE_ATTEMPTS":    c.Storage.Attempts,
	} {
		switch backend {
		case BackendMemory, BackendRedis, BackendScylla, BackendPostgres, BackendSQLite:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown backend %q", name, backend))
		}
	}
	if c.Storage.Credentials == BackendRedis {
		errs = append(errs, errors.New("STORAGE_CREDENTIALS: redis is not a credential backend"))
	}
	switch c.Storage.Sessions {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_SESSIONS: unknown backend %q", c.Storage.Sessions))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UsesBackend reports whether any store is configured for backend.
func (c *Config) UsesBackend(backend string) bool {
	return c.Storage.Credentials == backend || c.Storage.Attempts == backend || c.Storage.Sessions == backend
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
