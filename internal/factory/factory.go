package factory

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/notify"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	"identity-service/internal/repository/postgres"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/util"
)

const serviceName = "identity-service"

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      util.Clock
	tlsManager *tls.Manager

	// Clients, only those the selected backends need
	redisClient      *client.RedisClient
	postgresDB       *sql.DB
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	tokenService     *token.Service

	// Stores
	users        repository.UserRepository
	verification repository.VerificationStore
	revocations  repository.RevocationStore
	limiter      *redisrepo.SlidingWindowLimiter

	dispatcher     *notify.Dispatcher
	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	stopSweeper context.CancelFunc
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return New(cfg, logger)
}

// New wires every dependency for an already loaded configuration.
func New(cfg *config.Config, logger *zap.Logger) (*Factory, error) {
	f := &Factory{
		config: cfg,
		logger: logger,
		clock:  util.SystemClock(),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeStores()
	f.initializePipelines(ctx)

	f.serviceFactory = service.NewServiceFactory(service.FactoryDeps{
		Users:            f.users,
		Store:            f.verification,
		Tokens:           f.tokenService,
		Hasher:           f.hasher,
		Dispatcher:       f.dispatcher,
		Recorder:         f.recorder,
		Clock:            f.clock,
		CodeTTL:          cfg.Auth.CodeTTL,
		ActivateOnVerify: cfg.Auth.ActivateOnVerify,
		Logger:           logger,
	})

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("users_backend", cfg.Backends.Users),
		util.String("verification_backend", cfg.Backends.Verification),
		util.String("revocation_backend", cfg.Backends.Revocation),
		util.String("notifier", cfg.Backends.Notifier),
		util.Strings("audit_sinks", cfg.Backends.Audit),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

// initializeClients connects only to the stores the configuration selects.
// Required stores fail startup; optional sinks are skipped outside production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var initErrors []error

	if cfg.Uses(config.BackendRedis) {
		c, err := client.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	if cfg.Uses(config.BackendPostgres) {
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.postgresDB = db
		util.Info("Postgres connection initialized")
	}

	if cfg.Uses(config.BackendScylla) {
		c, err := scylla.NewScyllaClient(cfg)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
	}

	if cfg.Uses("kafka") {
		if producer, err := client.NewKafkaProducer(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if cfg.Uses("elasticsearch") {
		if c, err := client.NewElasticsearchClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.Uses("clickhouse") {
		if c, err := client.NewClickHouseClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers builds hashing, bucketing and token signing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config
	f.hasher = hashing.NewHasher(cfg)
	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing.EventBuckets)

	keys, err := f.signingKeys(ctx)
	if err != nil {
		return err
	}
	manager, err := token.NewManager(token.Config{
		Issuer:      cfg.JWT.Issuer,
		AccessTTL:   cfg.JWT.AccessTTL,
		RefreshTTL:  cfg.JWT.RefreshTTL,
		CheckoutTTL: cfg.Auth.CheckoutTTL,
	}, keys, f.clock)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	f.tokenService = token.NewService(manager, f.revocationStore(), f.userRepository(), f.clock)

	util.Info("Managers initialized successfully",
		util.Int("event_buckets", f.bucketingManager.Buckets()),
		util.String("signing_key", keys.Current),
		util.Int("verification_keys", len(keys.Keys)),
	)
	return nil
}

func (f *Factory) signingKeys(ctx context.Context) (*encryption.KeySet, error) {
	cfg := f.config
	if cfg.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, cfg.KMS.Region)
		if err != nil {
			return nil, fmt.Errorf("kms: %w", err)
		}
		return encryption.NewKMSKeyProvider(cfg, kmsClient).SigningKeys(ctx)
	}

	if cfg.JWT.Secret == "" && !cfg.IsProduction() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate development secret: %w", err)
		}
		cfg.JWT.Secret = hex.EncodeToString(buf)
		util.Warn("JWT_SECRET not set; using an ephemeral secret, tokens will not survive a restart")
	}
	return encryption.NewStaticKeyProvider(cfg).SigningKeys(ctx)
}

// userRepository and revocationStore are built on first use since the
// token service needs both before the remaining stores exist.
func (f *Factory) userRepository() repository.UserRepository {
	if f.users != nil {
		return f.users
	}
	switch f.config.Backends.Users {
	case config.BackendPostgres:
		f.users = postgres.NewUserRepository(f.postgresDB)
	case config.BackendScylla:
		f.users = scylla.NewUserRepository(f.scyllaClient)
	default:
		f.users = memory.NewUserRepository()
	}
	return f.users
}

func (f *Factory) revocationStore() repository.RevocationStore {
	if f.revocations != nil {
		return f.revocations
	}
	switch f.config.Backends.Revocation {
	case config.BackendRedis:
		f.revocations = redisrepo.NewRevocationStore(f.redisClient, f.clock)
	default:
		store := memory.NewRevocationStore(f.clock, f.config.Auth.SweepBatchSize)
		sweepCtx, cancel := context.WithCancel(context.Background())
		store.StartSweeper(sweepCtx, f.config.Auth.SweepInterval)
		f.stopSweeper = cancel
		f.revocations = store
	}
	return f.revocations
}

func (f *Factory) initializeStores() {
	switch f.config.Backends.Verification {
	case config.BackendRedis:
		f.verification = redisrepo.NewVerificationStore(f.redisClient)
	case config.BackendPostgres:
		f.verification = postgres.NewVerificationStore(f.postgresDB)
	default:
		f.verification = memory.NewVerificationStore(f.config.Bucketing.LockStripes)
	}

	rl := f.config.RateLimit
	if rl.Enabled && f.redisClient != nil {
		f.limiter = redisrepo.NewSlidingWindowLimiter(f.redisClient, f.clock, rl.Requests, rl.Window)
	} else if rl.Enabled {
		util.Warn("IP rate limiting needs Redis; limiter disabled")
	}
}

// initializePipelines starts the audit recorder and notification workers.
// Delivery failures reported by the workers become security events.
func (f *Factory) initializePipelines(ctx context.Context) {
	cfg := f.config

	var sinks []audit.Sink
	for _, name := range cfg.Backends.Audit {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(f.logger))
		case "clickhouse":
			if f.clickhouseClient == nil {
				continue
			}
			sink := audit.NewClickHouseSink(f.clickhouseClient)
			if err := sink.EnsureSchema(ctx); err != nil {
				util.Warn("ClickHouse schema check failed", util.ErrorField(err))
			}
			sinks = append(sinks, sink)
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, cfg.Elasticsearch.Index))
			}
		}
	}
	f.recorder = audit.NewRecorder(sinks, f.bucketingManager, f.clock, f.logger, audit.RecorderOptions{})

	f.dispatcher = notify.NewDispatcher(f.notifier(), f.logger, cfg.Auth.NotifyWorkers, cfg.Auth.NotifyQueueSize)
	f.dispatcher.OnFailure(func(n notify.Notification, err error) {
		f.recorder.Record(models.SecurityEvent{
			EventType: models.EventNotifyFailed,
			Flow:      string(n.Kind),
			Identity:  util.Fingerprint(n.Email),
			RequestID: n.RequestID,
			Details:   err.Error(),
		})
	})
}

func (f *Factory) notifier() notify.Notifier {
	cfg := f.config
	switch cfg.Backends.Notifier {
	case "smtp":
		return notify.NewSMTPNotifier(cfg)
	case "kafka":
		if f.kafkaProducer != nil {
			return notify.NewKafkaNotifier(f.kafkaProducer, cfg.Kafka.NotificationTopic)
		}
		util.Warn("Kafka unavailable; falling back to log notifier")
	}
	return notify.NewLogNotifier(f.logger, cfg.IsDevelopment())
}

// Start launches the background workers.
func (f *Factory) Start() {
	f.recorder.Start()
	f.dispatcher.Start()
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() chi.Router {
	cfg := f.config
	sf := f.serviceFactory

	auth := handler.NewAuthHandler(sf.AuthService(), sf.Gate(), handler.CookieOptions{
		Name:   cfg.Auth.RefreshCookie,
		Secure: cfg.Auth.CookieSecure,
		Domain: cfg.Auth.CookieDomain,
	}, f.logger)

	opts := handler.RouterOptions{
		RequireHTTPS:   cfg.Server.RequireHTTPS,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
	}
	if f.limiter != nil {
		opts.Limiter = f.limiter
	}
	return handler.NewRouter(auth, handler.NewHealthHandler(serviceName, f.HealthChecks()), opts, f.logger)
}

// ==============================
// Health Checks
// ==============================

// HealthChecks returns one probe per configured dependency.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"users":        f.users.HealthCheck,
		"verification": f.verification.HealthCheck,
		"revocations":  f.revocations.HealthCheck,
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	return checks
}

// ==============================
// Shutdown
// ==============================

// Close drains the workers, then closes clients. Safe to call more than once.
func (f *Factory) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopSweeper != nil {
			f.stopSweeper()
		}
		// dispatcher first: its failures feed the recorder
		if f.dispatcher != nil {
			if e := f.dispatcher.Stop(ctx); e != nil {
				util.Error("Notification dispatcher did not drain", util.ErrorField(e))
				err = errors.Join(err, e)
			}
		}
		if f.recorder != nil {
			if e := f.recorder.Stop(ctx); e != nil {
				util.Error("Audit recorder did not drain", util.ErrorField(e))
				err = errors.Join(err, e)
			}
		}

		f.closeClients()
		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return err
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}
	if f.esClient != nil {
		f.esClient.Close()
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}
	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}
	if f.postgresDB != nil {
		if err := f.postgresDB.Close(); err != nil {
			util.Error("Failed to close Postgres connection", util.ErrorField(err))
		}
	}
	if f.redisClient != nil {
		_ = f.redisClient.Close()
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
