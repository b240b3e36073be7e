package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
)

// History drivers.
const (
	HistoryDriverPostgres = "postgres"
	HistoryDriverSQLite   = "sqlite"
)

// Queue drivers.
const (
	QueueDriverNATS   = "nats"
	QueueDriverMemory = "memory"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	History  HistoryConfig
	Postgres PostgresConfig
	SQLite   SQLiteConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Retry    RetryConfig
	Stream   StreamConfig
	Presence PresenceConfig
	Logger   LoggerConfig
	Auth     AuthConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// HistoryConfig selects the notification history backend.
type HistoryConfig struct {
	Driver string
	Limit  int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// SQLiteConfig holds the single-node history database location.
type SQLiteConfig struct {
	Path string
}

// RedisConfig holds Redis connection values. Addr may list several
// comma-separated sentinel addresses when MasterName is set.
type RedisConfig struct {
	Addr       string
	MasterName string
	Password   string
	DB         int
}

// QueueConfig holds the notification broker settings.
type QueueConfig struct {
	Driver         string
	URL            string
	Name           string
	Stream         string
	Subject        string
	Durable        string
	AckWaitSeconds int
	FetchBatch     int
	FetchWaitMs    int
}

// RetryConfig is the exponential backoff policy shared by broker reconnects and publishes.
type RetryConfig struct {
	InitialMs         int
	MaxMs             int
	Multiplier        float64
	PublishMaxRetries int
}

// StreamConfig tunes live notification streams.
type StreamConfig struct {
	HeartbeatSeconds int
	Buffer           int
}

// PresenceConfig tunes the presence lease.
type PresenceConfig struct {
	Root         string
	LeaseSeconds int
	ReapSeconds  int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	Enabled               bool
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	multiplier, err := strconv.ParseFloat(getEnv("RETRY_MULTIPLIER", "2"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MULTIPLIER: %w", err)
	}

	dsn := os.Getenv("POSTGRES_DSN")
	defaultDriver := HistoryDriverSQLite
	if dsn != "" {
		defaultDriver = HistoryDriverPostgres
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "fieldops-dispatch"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		History: HistoryConfig{
			Driver: strings.ToLower(getEnv("HISTORY_DRIVER", defaultDriver)),
			Limit:  getEnvAsInt("HISTORY_LIMIT", 50),
		},
		Postgres: PostgresConfig{
			DSN:            dsn,
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "fieldops.db"),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			MasterName: os.Getenv("REDIS_MASTER_NAME"),
			Password:   os.Getenv("REDIS_PASSWORD"),
			DB:         redisDB,
		},
		Queue: QueueConfig{
			Driver:         strings.ToLower(getEnv("QUEUE_DRIVER", QueueDriverNATS)),
			URL:            getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			Name:           getEnv("NATS_NAME", "fieldops-dispatch"),
			Stream:         getEnv("NATS_STREAM", "NOTIFICATIONS"),
			Subject:        getEnv("NATS_SUBJECT", "notifications.events"),
			Durable:        getEnv("NATS_DURABLE", "notification-dispatcher"),
			AckWaitSeconds: getEnvAsInt("NATS_ACK_WAIT_SECONDS", 30),
			FetchBatch:     getEnvAsInt("NATS_FETCH_BATCH", 64),
			FetchWaitMs:    getEnvAsInt("NATS_FETCH_WAIT_MS", 500),
		},
		Retry: RetryConfig{
			InitialMs:         getEnvAsInt("RETRY_INITIAL_MS", 250),
			MaxMs:             getEnvAsInt("RETRY_MAX_MS", 30000),
			Multiplier:        multiplier,
			PublishMaxRetries: getEnvAsInt("PUBLISH_MAX_RETRIES", 3),
		},
		Stream: StreamConfig{
			HeartbeatSeconds: getEnvAsInt("STREAM_HEARTBEAT_SECONDS", 15),
			Buffer:           getEnvAsInt("STREAM_BUFFER", 32),
		},
		Presence: PresenceConfig{
			Root:         getEnv("PRESENCE_ROOT", "staff"),
			LeaseSeconds: getEnvAsInt("PRESENCE_LEASE_SECONDS", 30),
			ReapSeconds:  getEnvAsInt("PRESENCE_REAP_SECONDS", 5),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			Enabled:               getEnvAsBool("AUTH_ENABLED", true),
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.History.Driver {
	case HistoryDriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("HISTORY_DRIVER=postgres requires POSTGRES_DSN")
		}
	case HistoryDriverSQLite:
	default:
		return fmt.Errorf("unknown HISTORY_DRIVER %q", c.History.Driver)
	}
	switch c.Queue.Driver {
	case QueueDriverNATS, QueueDriverMemory:
	default:
		return fmt.Errorf("unknown QUEUE_DRIVER %q", c.Queue.Driver)
	}
	if c.History.Limit <= 0 || c.History.Limit > 50 {
		c.History.Limit = 50
	}
	if c.Presence.Root == "" || strings.Contains(c.Presence.Root, "/") {
		return fmt.Errorf("invalid PRESENCE_ROOT %q", c.Presence.Root)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AckWait returns how long the broker waits for an ack before redelivering.
func (q QueueConfig) AckWait() time.Duration {
	return secondsOr(q.AckWaitSeconds, 30)
}

// FetchWait bounds a single pull request.
func (q QueueConfig) FetchWait() time.Duration {
	if q.FetchWaitMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(q.FetchWaitMs) * time.Millisecond
}

// Initial returns the first retry interval.
func (r RetryConfig) Initial() time.Duration {
	if r.InitialMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(r.InitialMs) * time.Millisecond
}

// Max caps a single retry interval.
func (r RetryConfig) Max() time.Duration {
	if r.MaxMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.MaxMs) * time.Millisecond
}

// BackOff builds an exponential policy with no elapsed-time limit; callers
// bound attempts with backoff.WithMaxRetries where needed.
func (r RetryConfig) BackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Initial()
	b.MaxInterval = r.Max()
	if r.Multiplier > 1 {
		b.Multiplier = r.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Heartbeat returns the interval between stream heartbeat frames.
func (s StreamConfig) Heartbeat() time.Duration {
	return secondsOr(s.HeartbeatSeconds, 15)
}

// Lease returns the presence liveness lease.
func (p PresenceConfig) Lease() time.Duration {
	return secondsOr(p.LeaseSeconds, 30)
}

// ReapInterval returns how often expired leases are swept.
func (p PresenceConfig) ReapInterval() time.Duration {
	return secondsOr(p.ReapSeconds, 5)
}

func secondsOr(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
