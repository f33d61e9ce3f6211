package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"credguard/internal/audit"
	"credguard/internal/bruteforce"
	"credguard/internal/bucketing"
	"credguard/internal/client"
	"credguard/internal/config"
	"credguard/internal/csrf"
	"credguard/internal/encryption"
	"credguard/internal/hashing"
	"credguard/internal/repository/memory"
	redisrepo "credguard/internal/repository/redis"
	"credguard/internal/repository/scylla"
	"credguard/internal/repository/sqlstore"
	"credguard/internal/service"
	"credguard/internal/session"
	"credguard/internal/strength"
	"credguard/internal/telemetry"
	"credguard/internal/tls"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

const initTimeout = 30 * time.Second

type credentialBackend interface {
	service.CredentialStore
	HealthCheck(ctx context.Context) error
}

type attemptBackend interface {
	bruteforce.AttemptStore
	bruteforce.OldestReporter
}

type sessionBackend interface {
	session.Store
	csrf.SecretStore
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients, only set for the backends and sinks in use
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	sqlDB            *sqlstore.DB
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	csrfManager       *csrf.Manager
	sessionManager    *session.Manager
	dispatcher        *telemetry.Dispatcher
	events            *audit.MultiSink

	credentials credentialBackend
	attempts    attemptBackend
	sessions    sessionBackend

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects every configured backend and builds the managers.
// Any failure closes what was already opened.
func NewFactory(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(cfg, logger.Named("tls"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initialize(ctx); err != nil {
		f.Close()
		return nil, err
	}

	logger.Info("Factory initialized successfully",
		zap.String("environment", cfg.Environment),
		zap.String("credentials_backend", cfg.Storage.Credentials),
		zap.String("attempts_backend", cfg.Storage.Attempts),
		zap.String("sessions_backend", cfg.Storage.Sessions),
		zap.Bool("tls_enabled", cfg.Server.EnableTLS),
		zap.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func (f *Factory) initialize(ctx context.Context) error {
	if err := f.initializeClients(ctx); err != nil {
		return fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		return fmt.Errorf("failed to initialize managers: %w", err)
	}
	if err := f.initializeStores(ctx); err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}
	f.initializeSinks(ctx)
	return f.initializeSessions()
}

// initializeClients opens the storage clients the Storage section asks for.
// Storage clients are mandatory; a store that cannot connect is fatal.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config

	if cfg.UsesBackend(config.BackendRedis) {
		rc, err := client.NewRedisClient(cfg, f.logger.Named("redis"))
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
	}

	if cfg.UsesBackend(config.BackendScylla) {
		sc, err := scylla.NewScyllaClient(cfg, f.logger.Named("scylla"))
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		if err := sc.EnsureSchema(ctx, cfg.BruteForce.Window); err != nil {
			return fmt.Errorf("scylla schema: %w", err)
		}
	}

	dialect, err := sqlDialect(cfg)
	if err != nil {
		return err
	}
	if dialect != "" {
		db, err := sqlstore.Open(ctx, dialect, cfg.SQL, f.logger.Named("sql"))
		if err != nil {
			return fmt.Errorf("sql: %w", err)
		}
		f.sqlDB = db
	}

	return nil
}

// sqlDialect returns the one SQL dialect in use. Both SQL backends share
// SQL_DSN, so mixing them is rejected.
func sqlDialect(cfg *config.Config) (sqlstore.Dialect, error) {
	pg := cfg.Storage.Credentials == config.BackendPostgres || cfg.Storage.Attempts == config.BackendPostgres
	lite := cfg.Storage.Credentials == config.BackendSQLite || cfg.Storage.Attempts == config.BackendSQLite
	switch {
	case pg && lite:
		return "", errors.New("postgres and sqlite backends cannot be combined")
	case pg:
		return sqlstore.DialectPostgres, nil
	case lite:
		return sqlstore.DialectSQLite, nil
	}
	return "", nil
}

func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	hasher, err := hashing.NewHasher(hashing.ParamsFromConfig(cfg), hashing.NewPool(cfg.Hashing.Workers), f.logger.Named("hashing"))
	if err != nil {
		return err
	}
	f.hasher = hasher

	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	em, err := encryption.NewEncryptionManager(cfg, kmsClient, f.logger.Named("encryption"))
	if err != nil {
		return err
	}
	f.encryptionManager = em

	f.bucketingManager = bucketing.NewBucketingManager(cfg)
	return nil
}

func (f *Factory) initializeStores(ctx context.Context) error {
	cfg := f.config
	logger := f.logger.Named("store")

	switch cfg.Storage.Credentials {
	case config.BackendScylla:
		f.credentials = scylla.NewCredentialRepository(f.scyllaClient, f.bucketingManager, logger)
	case config.BackendPostgres, config.BackendSQLite:
		f.credentials = sqlstore.NewCredentialStore(f.sqlDB, logger)
	case config.BackendMemory:
		f.credentials = memory.NewCredentialStore()
	default:
		return fmt.Errorf("unsupported credential backend %q", cfg.Storage.Credentials)
	}

	switch cfg.Storage.Attempts {
	case config.BackendRedis:
		f.attempts = redisrepo.NewRateLimitCache(f.redisClient.Client, f.redisClient.Prefix(), cfg.BruteForce.Window, logger)
	case config.BackendScylla:
		f.attempts = scylla.NewAttemptRepository(f.scyllaClient, f.bucketingManager, logger)
	case config.BackendPostgres, config.BackendSQLite:
		f.attempts = sqlstore.NewAttemptStore(f.sqlDB, logger)
	case config.BackendMemory:
		f.attempts = memory.NewAttemptStore()
	default:
		return fmt.Errorf("unsupported attempt backend %q", cfg.Storage.Attempts)
	}

	switch cfg.Storage.Sessions {
	case config.BackendRedis:
		// An ephemeral key would strand every sealed secret on restart.
		if cfg.KMS.Enabled || cfg.KMS.LocalKey != "" {
			f.sessions = redisrepo.NewSessionCache(f.redisClient.Client, f.redisClient.Prefix(), cfg.CSRF.SecretTTL, f.encryptionManager, logger)
		} else {
			f.sessions = redisrepo.NewSessionCache(f.redisClient.Client, f.redisClient.Prefix(), cfg.CSRF.SecretTTL, nil, logger)
		}
	case config.BackendMemory:
		f.sessions = memory.NewSessionStore()
	default:
		return fmt.Errorf("unsupported session backend %q", cfg.Storage.Sessions)
	}

	if cfg.IsProduction() && cfg.UsesBackend(config.BackendMemory) {
		f.logger.Warn("In-memory store configured in production; state is lost on restart")
	}
	return nil
}

// initializeSinks wires telemetry and audit delivery. These are optional:
// a sink that cannot connect is logged and skipped.
func (f *Factory) initializeSinks(ctx context.Context) {
	cfg := f.config

	var writer telemetry.Writer = telemetry.NewLogWriter(f.logger.Named("telemetry"))
	if cfg.Clickhouse.Enabled {
		if chc, err := client.NewClickHouseClient(cfg, f.logger.Named("clickhouse")); err != nil {
			f.logger.Warn("ClickHouse unavailable, comparisons go to the log", zap.Error(err))
		} else if w, err := telemetry.NewClickHouseWriter(chc, cfg.Clickhouse.Table, f.logger.Named("telemetry")); err != nil {
			f.logger.Warn("ClickHouse writer rejected", zap.Error(err))
			_ = chc.Close()
		} else if err := w.EnsureTable(ctx); err != nil {
			f.logger.Warn("ClickHouse table setup failed", zap.Error(err))
			_ = chc.Close()
		} else {
			f.clickhouseClient = chc
			writer = w
		}
	}
	f.dispatcher = telemetry.NewDispatcher(writer, telemetry.DefaultConfig(), f.logger.Named("telemetry"))

	sinks := []audit.Sink{audit.NewLogSink(f.logger.Named("audit"))}
	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg, f.logger.Named("kafka")); err != nil {
			f.logger.Warn("Kafka producer initialization failed - proceeding without Kafka", zap.Error(err))
		} else {
			f.kafkaProducer = p
			sinks = append(sinks, audit.NewKafkaSink(p, cfg.Kafka.Topic))
		}
	}
	if cfg.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(cfg, f.logger.Named("elasticsearch")); err != nil {
			f.logger.Warn("Elasticsearch unavailable - proceeding without audit index", zap.Error(err))
		} else {
			f.esClient = es
			sinks = append(sinks, audit.NewElasticSink(es, cfg.Elasticsearch.Index))
		}
	}
	f.events = audit.NewMultiSink(sinks...)
}

func (f *Factory) initializeSessions() error {
	f.csrfManager = csrf.NewManager(f.sessions, f.logger.Named("csrf"))

	sm, err := session.NewManager(f.sessions, f.csrfManager, f.config.Session, f.logger.Named("session"))
	if err != nil {
		return err
	}
	f.sessionManager = sm
	return nil
}

// ServiceFactory is built on first use.
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.credentials,
			f.hasher,
			strength.NewAnalyzer(strength.PolicyFromConfig(f.config), f.logger.Named("strength")),
			bruteforce.NewGuard(f.attempts, bruteforce.ConfigFromConfig(f.config), f.logger.Named("bruteforce")),
			f.csrfManager,
			f.dispatcher,
			f.events,
			service.Options{
				ScoreGate:           f.config.Strength.ScoreGate,
				StructuralGate:      f.config.Strength.StructuralGate,
				BenchmarkOnRegister: f.config.Hashing.BenchmarkOnRegister,
			},
			f.logger,
		)
	}
	return f.serviceFactory
}

// HealthCheck reports every opened dependency; nil means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := map[string]error{
		"credentials": f.credentials.HealthCheck(ctx),
	}

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	}
	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	}
	if f.sqlDB != nil {
		health["sql"] = f.sqlDB.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	return health
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.logger.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(); err != nil {
				f.logger.Error("Failed to flush telemetry", zap.Error(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				f.logger.Error("Failed to close ClickHouse client", zap.Error(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				f.logger.Error("Failed to close Kafka producer", zap.Error(err))
			}
		}

		if f.sqlDB != nil {
			if err := f.sqlDB.Close(); err != nil {
				f.logger.Error("Failed to close SQL database", zap.Error(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				f.logger.Error("Failed to close Redis client", zap.Error(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		f.logger.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) SessionManager() *session.Manager {
	return f.sessionManager
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}
