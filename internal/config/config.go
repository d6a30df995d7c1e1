package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"

	StoreScylla   = "scylla"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	AuditNone          = "none"
	AuditClickhouse    = "clickhouse"
	AuditElasticsearch = "elasticsearch"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Store         StoreConfig
	Scylla        ScyllaConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
	Admission     AdmissionConfig
	Notifier      NotifierConfig
	Hashing       HashingConfig
	ControlPlane  ControlPlaneConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	TLSPort           int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration
	ShutdownTimeout   time.Duration
	TrustProxyHeaders bool

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

// RedisConfig is optional. An empty URL disables the shared counter store and
// the blocked-request log; the rate limiter then follows its failure policy.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int

	// Used only for rediss:// URLs. A missing CA file falls back to the
	// system roots.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type StoreConfig struct {
	Driver  string
	Timeout time.Duration
}

type ScyllaConfig struct {
	Hosts             []string
	Keyspace          string
	Username          string
	Password          string
	Consistency       string
	SerialConsistency string
	NumConns          int
	Timeout           time.Duration
	ConnectTimeout    time.Duration
	CAFile            string
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	NotificationTopic string
	EnableTLS         bool
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Table    string
	CAFile   string
}

type ElasticsearchConfig struct {
	URLs     []string
	Username string
	Password string
	Index    string
}

// AuditConfig selects where blocked-request records are archived in addition
// to the Redis log.
type AuditConfig struct {
	Sink       string
	BatchSize  int
	FlushEvery time.Duration
}

type RateLimitConfig struct {
	Window         time.Duration
	GlobalLimit    int
	AddressLimit   int
	IdentityLimit  int
	StrictLimit    int
	StrictMode     bool
	Timeout        time.Duration
	FailClosedWait time.Duration
}

type AdmissionConfig struct {
	AllowedOrigins       []string
	MaxBodyBytes         int64
	TimingNoiseMin       time.Duration
	TimingNoiseMax       time.Duration
	ReferralCodeAttempts int
}

type NotifierConfig struct {
	Enabled     bool
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	RatePerSec  float64
	Burst       int
	FromAddress string
}

type HashingConfig struct {
	Algorithm string
	Key       string
}

// ControlPlaneConfig guards the internal routes. An empty token leaves them
// unmounted.
type ControlPlaneConfig struct {
	Token string
}

var (
	instance *Config
	once     sync.Once
)

// LoadConfig reads .env (if present) and the process environment. The first
// call wins; later calls return the same value.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		instance = FromEnv()
	})
	return instance
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

// FromEnv builds a Config from the current environment without caching it.
func FromEnv() *Config {
	env := strings.ToLower(getEnv("ENVIRONMENT", EnvDevelopment))

	return &Config{
		Environment: env,
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			Port:              getEnvInt("SERVER_PORT", 8080),
			TLSPort:           getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:       getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:    getEnvDuration("SERVER_REQUEST_TIMEOUT", 10*time.Second),
			ShutdownTimeout:   getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
			EnableTLS:         getEnvBool("ENABLE_TLS", false),
			AutoCert:          getEnvBool("AUTO_CERT", false),
			Domain:            getEnv("DOMAIN", "localhost"),
			CertFile:          getEnv("TLS_CERT_FILE", ""),
			KeyFile:           getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:       getEnv("AUTO_CERT_DIR", "./certs"),
			Email:             getEnv("TLS_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", ""),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", ""),
		},
		Store: StoreConfig{
			Driver:  strings.ToLower(getEnv("STORE_DRIVER", StoreScylla)),
			Timeout: getEnvDuration("STORE_TIMEOUT", 2*time.Second),
		},
		Scylla: ScyllaConfig{
			Hosts:             getEnvSlice("SCYLLA_HOSTS", []string{"127.0.0.1:9042"}),
			Keyspace:          getEnv("SCYLLA_KEYSPACE", "waitlist"),
			Username:          getEnv("SCYLLA_USERNAME", ""),
			Password:          getEnv("SCYLLA_PASSWORD", ""),
			Consistency:       getEnv("SCYLLA_CONSISTENCY", "LOCAL_QUORUM"),
			SerialConsistency: getEnv("SCYLLA_SERIAL_CONSISTENCY", "LOCAL_SERIAL"),
			NumConns:          getEnvInt("SCYLLA_NUM_CONNS", 4),
			Timeout:           getEnvDuration("SCYLLA_TIMEOUT", 2*time.Second),
			ConnectTimeout:    getEnvDuration("SCYLLA_CONNECT_TIMEOUT", 10*time.Second),
			CAFile:            getEnv("SCYLLA_CA_FILE", ""),
		},
		Postgres: PostgresConfig{
			DSN:             getEnv("DATABASE_URL", ""),
			MaxConns:        int32(getEnvInt("POSTGRES_MAX_CONNS", 20)),
			MinConns:        int32(getEnvInt("POSTGRES_MIN_CONNS", 2)),
			MaxConnLifetime: getEnvDuration("POSTGRES_MAX_CONN_LIFETIME", time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:           getEnvSlice("KAFKA_BROKERS", nil),
			NotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "welcome-email"),
			EnableTLS:         getEnvBool("KAFKA_ENABLE_TLS", false),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "waitlist"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Table:    getEnv("CLICKHOUSE_BLOCKED_TABLE", "blocked_requests"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		Elasticsearch: ElasticsearchConfig{
			URLs:     getEnvSlice("ELASTICSEARCH_URLS", nil),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_BLOCKED_INDEX", "waitlist-blocked"),
		},
		Audit: AuditConfig{
			Sink:       strings.ToLower(getEnv("AUDIT_SINK", AuditNone)),
			BatchSize:  getEnvInt("AUDIT_BATCH_SIZE", 100),
			FlushEvery: getEnvDuration("AUDIT_FLUSH_INTERVAL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:         getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
			GlobalLimit:    getEnvInt("RATE_LIMIT_GLOBAL", 1000),
			AddressLimit:   getEnvInt("RATE_LIMIT_ADDRESS", 20),
			IdentityLimit:  getEnvInt("RATE_LIMIT_IDENTITY", 20),
			StrictLimit:    getEnvInt("RATE_LIMIT_STRICT", 2),
			StrictMode:     getEnvBool("RATE_LIMIT_STRICT_MODE", false),
			Timeout:        getEnvDuration("RATE_LIMIT_TIMEOUT", 500*time.Millisecond),
			FailClosedWait: getEnvDuration("RATE_LIMIT_FAIL_CLOSED_RETRY", 60*time.Second),
		},
		Admission: AdmissionConfig{
			AllowedOrigins:       getEnvSlice("ALLOWED_ORIGINS", nil),
			MaxBodyBytes:         int64(getEnvInt("MAX_BODY_BYTES", 1024)),
			TimingNoiseMin:       getEnvDuration("TIMING_NOISE_MIN", 50*time.Millisecond),
			TimingNoiseMax:       getEnvDuration("TIMING_NOISE_MAX", 150*time.Millisecond),
			ReferralCodeAttempts: getEnvInt("REFERRAL_CODE_ATTEMPTS", 5),
		},
		Notifier: NotifierConfig{
			Enabled:     getEnvBool("NOTIFIER_ENABLED", true),
			QueueSize:   getEnvInt("NOTIFIER_QUEUE_SIZE", 1024),
			Workers:     getEnvInt("NOTIFIER_WORKERS", 4),
			SendTimeout: getEnvDuration("NOTIFIER_SEND_TIMEOUT", 5*time.Second),
			RatePerSec:  getEnvFloat("NOTIFIER_RATE_PER_SEC", 50),
			Burst:       getEnvInt("NOTIFIER_BURST", 10),
			FromAddress: getEnv("NOTIFIER_FROM_ADDRESS", "waitlist@localhost"),
		},
		Hashing: HashingConfig{
			Algorithm: strings.ToLower(getEnv("IDENTITY_HASH_ALGORITHM", "sha256")),
			Key:       getEnv("IDENTITY_HASH_KEY", ""),
		},
		ControlPlane: ControlPlaneConfig{
			Token: getEnv("CONTROL_PLANE_TOKEN", ""),
		},
	}
}

// Validate rejects values that would make the pipeline misbehave.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid SERVER_PORT %d", c.Server.Port))
	}
	switch c.Store.Driver {
	case StoreScylla, StorePostgres, StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.Driver == StorePostgres && c.Postgres.DSN == "" {
		problems = append(problems, "DATABASE_URL is required for the postgres store")
	}
	if c.Store.Driver == StoreMemory && c.IsProduction() {
		problems = append(problems, "STORE_DRIVER=memory is not allowed in production")
	}
	if c.IsProduction() && c.Redis.URL == "" {
		problems = append(problems, "REDIS_URL is required in production")
	}
	switch c.Audit.Sink {
	case AuditNone, AuditClickhouse, AuditElasticsearch:
	default:
		problems = append(problems, fmt.Sprintf("unknown AUDIT_SINK %q", c.Audit.Sink))
	}
	if c.RateLimit.Window <= 0 {
		problems = append(problems, "RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimit.GlobalLimit <= 0 || c.RateLimit.AddressLimit <= 0 ||
		c.RateLimit.IdentityLimit <= 0 || c.RateLimit.StrictLimit <= 0 {
		problems = append(problems, "rate limits must be positive")
	}
	if c.Admission.MaxBodyBytes <= 0 {
		problems = append(problems, "MAX_BODY_BYTES must be positive")
	}
	if c.Admission.TimingNoiseMin < 0 || c.Admission.TimingNoiseMax < c.Admission.TimingNoiseMin {
		problems = append(problems, "TIMING_NOISE_MIN/MAX out of order")
	}
	if c.Admission.TimingNoiseMax <= 0 {
		problems = append(problems, "TIMING_NOISE_MAX must be positive")
	}
	if c.Admission.ReferralCodeAttempts <= 0 {
		problems = append(problems, "REFERRAL_CODE_ATTEMPTS must be positive")
	}
	if c.Notifier.Workers <= 0 || c.Notifier.QueueSize <= 0 {
		problems = append(problems, "notifier workers and queue size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSlice splits a comma separated value, dropping empty items.
func getEnvSlice(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
