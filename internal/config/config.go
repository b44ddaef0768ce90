package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Provider      ProviderConfig
	Webhook       WebhookConfig
	Verification  VerificationConfig
	RateLimit     RateLimitConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	Enabled    bool
	Addr       string
	Database   string
	Username   string
	Password   string
	AuditTable string
}

type ElasticsearchConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	SecurityIndex string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// ProviderConfig configures the outbound delivery provider adapter.
// An empty BaseURL selects the logging dev dispatcher.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WebhookConfig configures the inbound callback trust boundary.
type WebhookConfig struct {
	SigningSecret   string
	SignatureHeader string
	TimestampHeader string
	FreshnessWindow time.Duration
	EventMaxAge     time.Duration
}

type VerificationConfig struct {
	CodeLength  int
	MaxAttempts int
	Timeout     time.Duration
	GraceWindow time.Duration
	TokenSecret string
	TokenIssuer string
	TokenTTL    time.Duration
}

type RateLimitConfig struct {
	PhoneLimit  int
	PhoneWindow time.Duration
	IPLimit     int
	IPWindow    time.Duration
}

type HashingConfig struct {
	Pepper        string
	PepperVersion int
	MemoryKB      int
	Iterations    int
	Parallelism   int
}

type BucketingConfig struct {
	PhoneBuckets int
	TimeBuckets  int
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig reads configuration from the environment exactly once.
// A local .env file is honored when present; real deployments inject env vars.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Enabled:  getEnvBool("SCYLLA_ENABLED", false),
				Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "verifications"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled:    getEnvBool("KAFKA_ENABLED", false),
				Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "verification-audit"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:    getEnvBool("CLICKHOUSE_ENABLED", false),
				Addr:       getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
				Database:   getEnv("CLICKHOUSE_DATABASE", "verifications"),
				Username:   getEnv("CLICKHOUSE_USERNAME", "default"),
				Password:   getEnv("CLICKHOUSE_PASSWORD", ""),
				AuditTable: getEnv("CLICKHOUSE_AUDIT_TABLE", "audit_events"),
			},
			Elasticsearch: ElasticsearchConfig{
				Enabled:       getEnvBool("ELASTICSEARCH_ENABLED", false),
				URL:           getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:      getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:      getEnv("ELASTICSEARCH_PASSWORD", ""),
				SecurityIndex: getEnv("ELASTICSEARCH_SECURITY_INDEX", "security-events"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Provider: ProviderConfig{
				BaseURL: getEnv("PROVIDER_BASE_URL", ""),
				APIKey:  getEnv("PROVIDER_API_KEY", ""),
				Timeout: getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second),
			},
			Webhook: WebhookConfig{
				SigningSecret:   getEnv("WEBHOOK_SIGNING_SECRET", ""),
				SignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Provider-Signature"),
				TimestampHeader: getEnv("WEBHOOK_TIMESTAMP_HEADER", "X-Provider-Timestamp"),
				FreshnessWindow: getEnvDuration("WEBHOOK_FRESHNESS_WINDOW", 5*time.Minute),
				EventMaxAge:     getEnvDuration("WEBHOOK_EVENT_MAX_AGE", time.Hour),
			},
			Verification: VerificationConfig{
				CodeLength:  getEnvInt("VERIFICATION_CODE_LENGTH", 6),
				MaxAttempts: getEnvInt("VERIFICATION_MAX_ATTEMPTS", 3),
				Timeout:     getEnvDuration("VERIFICATION_TIMEOUT", 5*time.Minute),
				GraceWindow: getEnvDuration("VERIFICATION_GRACE_WINDOW", time.Minute),
				TokenSecret: getEnv("VERIFICATION_TOKEN_SECRET", "dev-only-secret"),
				TokenIssuer: getEnv("VERIFICATION_TOKEN_ISSUER", "verify-service"),
				TokenTTL:    getEnvDuration("VERIFICATION_TOKEN_TTL", 15*time.Minute),
			},
			RateLimit: RateLimitConfig{
				PhoneLimit:  getEnvInt("RATE_LIMIT_PHONE_LIMIT", 5),
				PhoneWindow: getEnvDuration("RATE_LIMIT_PHONE_WINDOW", time.Hour),
				IPLimit:     getEnvInt("RATE_LIMIT_IP_LIMIT", 20),
				IPWindow:    getEnvDuration("RATE_LIMIT_IP_WINDOW", time.Hour),
			},
			Hashing: HashingConfig{
				Pepper:        getEnv("HASHING_PEPPER", "dev-only-pepper"),
				PepperVersion: getEnvInt("HASHING_PEPPER_VERSION", 1),
				MemoryKB:      getEnvInt("HASHING_ARGON2_MEMORY_KB", 64*1024),
				Iterations:    getEnvInt("HASHING_ARGON2_ITERATIONS", 1),
				Parallelism:   getEnvInt("HASHING_ARGON2_PARALLELISM", 4),
			},
			Bucketing: BucketingConfig{
				PhoneBuckets: getEnvInt("BUCKETING_PHONE_BUCKETS", 256),
				TimeBuckets:  getEnvInt("BUCKETING_TIME_BUCKETS", 64),
			},
		}
	})

	return globalConfig
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
