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

// Backend names accepted by the *_BACKEND settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendScylla   = "scylla"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Auth          AuthConfig
	JWT           JWTConfig
	KMS           KMSConfig
	Redis         RedisConfig
	Postgres      PostgresConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	SMTP          SMTPConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	RateLimit     RateLimitConfig
	Backends      BackendsConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	RequireHTTPS bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type AuthConfig struct {
	CodeLength       int
	CodeTTL          time.Duration
	CheckoutTTL      time.Duration
	ActivateOnVerify bool
	RefreshCookie    string
	CookieSecure     bool
	CookieDomain     string
	SweepInterval    time.Duration
	SweepBatchSize   int
	NotifyWorkers    int
	NotifyQueueSize  int
}

type JWTConfig struct {
	Issuer     string
	Secret     string
	KeyID      string
	OldSecrets map[string]string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type KMSConfig struct {
	Enabled bool
	Region  string
	KeyID   string
	// EncryptedSecret is the base64 KMS ciphertext of the JWT signing secret.
	EncryptedSecret string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type BucketingConfig struct {
	LockStripes  int
	EventBuckets int
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// BackendsConfig selects which store backs each concern.
type BackendsConfig struct {
	Users        string
	Verification string
	Revocation   string
	Notifier     string
	Audit        []string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTOCERT", false),
			RequireHTTPS: getEnvBool("SERVER_REQUIRE_HTTPS", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getEnvList("SERVER_CORS_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Auth: AuthConfig{
			CodeLength:       getEnvInt("AUTH_CODE_LENGTH", 6),
			CodeTTL:          getEnvDuration("AUTH_CODE_TTL", 10*time.Minute),
			CheckoutTTL:      getEnvDuration("AUTH_CHECKOUT_TTL", 15*time.Minute),
			ActivateOnVerify: getEnvBool("AUTH_ACTIVATE_ON_VERIFY", false),
			RefreshCookie:    getEnv("AUTH_REFRESH_COOKIE", "refresh_token"),
			CookieSecure:     getEnvBool("AUTH_COOKIE_SECURE", true),
			CookieDomain:     getEnv("AUTH_COOKIE_DOMAIN", ""),
			SweepInterval:    getEnvDuration("AUTH_REVOCATION_SWEEP_INTERVAL", 60*time.Second),
			SweepBatchSize:   getEnvInt("AUTH_REVOCATION_SWEEP_BATCH", 512),
			NotifyWorkers:    getEnvInt("AUTH_NOTIFY_WORKERS", 4),
			NotifyQueueSize:  getEnvInt("AUTH_NOTIFY_QUEUE", 1024),
		},
		JWT: JWTConfig{
			Issuer:     getEnv("JWT_ISSUER", "identity-service"),
			Secret:     getEnv("JWT_SECRET", ""),
			KeyID:      getEnv("JWT_KEY_ID", "primary"),
			OldSecrets: getEnvMap("JWT_OLD_SECRETS"),
			AccessTTL:  getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
		},
		KMS: KMSConfig{
			Enabled:         getEnvBool("KMS_ENABLED", false),
			Region:          getEnv("AWS_REGION", "us-east-1"),
			KeyID:           getEnv("KMS_KEY_ID", ""),
			EncryptedSecret: getEnv("KMS_ENCRYPTED_JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Postgres: PostgresConfig{
			DSN:          getEnv("POSTGRES_DSN", "postgres://localhost:5432/identity?sslmode=disable"),
			MaxOpenConns: getEnvInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("POSTGRES_MAX_IDLE_CONNS", 5),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "identity.notifications"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "security-events"),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM", "no-reply@localhost"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:            getEnv("HASH_PEPPER", ""),
		},
		Bucketing: BucketingConfig{
			LockStripes:  getEnvInt("LOCK_STRIPES", 256),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Backends: BackendsConfig{
			Users:        getEnv("USERS_BACKEND", BackendMemory),
			Verification: getEnv("VERIFICATION_BACKEND", BackendMemory),
			Revocation:   getEnv("REVOCATION_BACKEND", BackendMemory),
			Notifier:     getEnv("NOTIFIER", "log"),
			Audit:        getEnvList("AUDIT_SINKS", []string{"log"}),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg
}

// Get returns the most recently loaded configuration.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 || c.Auth.CheckoutTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be shorter than JWT_REFRESH_TTL"))
	}
	if c.Auth.CodeTTL <= 0 {
		errs = append(errs, errors.New("AUTH_CODE_TTL must be positive"))
	}
	if c.Auth.CodeLength < 4 || c.Auth.CodeLength > 10 {
		errs = append(errs, errors.New("AUTH_CODE_LENGTH must be between 4 and 10"))
	}
	if !c.KMS.Enabled && c.JWT.Secret == "" && c.IsProduction() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.KMS.Enabled && c.KMS.EncryptedSecret == "" {
		errs = append(errs, errors.New("KMS_ENCRYPTED_JWT_SECRET is required when KMS is enabled"))
	}

	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported backend %q", name, value))
	}
	check("USERS_BACKEND", c.Backends.Users, BackendMemory, BackendPostgres, BackendScylla)
	check("VERIFICATION_BACKEND", c.Backends.Verification, BackendMemory, BackendRedis, BackendPostgres)
	check("REVOCATION_BACKEND", c.Backends.Revocation, BackendMemory, BackendRedis)
	check("NOTIFIER", c.Backends.Notifier, "log", "smtp", "kafka")
	for _, sink := range c.Backends.Audit {
		check("AUDIT_SINKS", sink, "log", "clickhouse", "elasticsearch", "none")
	}

	return errors.Join(errs...)
}

// Uses reports whether any backend setting or audit sink names backend.
func (c *Config) Uses(backend string) bool {
	b := c.Backends
	if b.Users == backend || b.Verification == backend || b.Revocation == backend || b.Notifier == backend {
		return true
	}
	for _, sink := range b.Audit {
		if sink == backend {
			return true
		}
	}
	return false
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "kid1=secret1,kid2=secret2".
func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		kid, secret, ok := strings.Cut(pair, "=")
		if !ok || kid == "" || secret == "" {
			continue
		}
		out[kid] = secret
	}
	return out
}
