package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Sequence  SequenceConfig
	Lineage   LineageConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Telemetry TelemetryConfig
	Features  FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host          string
	Port          int
	Database      string
	User          string
	Password      string
	MaxConns      int
	MinConns      int
	MaxIdleTime   time.Duration
	MaxLifetime   time.Duration
	RunMigrations bool
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SequenceConfig controls unit number generation
type SequenceConfig struct {
	Prefix      string
	TimeZone    string
	MaxAttempts int
	RetryDelay  time.Duration
}

// LineageConfig holds split/merge/query limits
type LineageConfig struct {
	MaxDepth         int
	OperationTimeout time.Duration
	LockTTL          time.Duration
	NodeID           int64 // snowflake node for incident references
	WriteRateLimit   int   // split/merge requests per actor per minute, 0 disables
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// QueueConfig holds lineage event queue settings
type QueueConfig struct {
	Type       string // "memory" (in-process subscribers only) or "redis"
	StreamName string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof    bool
	PprofPort      int
	EnableTracing  bool
	EnableMetrics  bool
	MetricsPort    int
	TracingBackend string // "none" or "otlp"
	OTLPEndpoint   string
}

// FeatureFlags toggle storage and write behaviour
type FeatureFlags struct {
	StorageBackend      string // "postgres" or "memory"
	SequenceBackend     string // "postgres", "redis" or "memory"
	TransactionalWrites bool
	DistributedLocks    bool
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("POSTGRES_HOST", "localhost"),
			Port:          getEnvInt("POSTGRES_PORT", 5432),
			Database:      getEnv("POSTGRES_DB", "lineage"),
			User:          getEnv("POSTGRES_USER", "lineage"),
			Password:      getEnv("POSTGRES_PASSWORD", "lineage"),
			MaxConns:      getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:      getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime:   getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:   getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
			RunMigrations: getEnvBool("POSTGRES_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Sequence: SequenceConfig{
			Prefix:      getEnv("SEQUENCE_PREFIX", "LP"),
			TimeZone:    getEnv("SEQUENCE_TIMEZONE", "Local"),
			MaxAttempts: getEnvInt("SEQUENCE_MAX_ATTEMPTS", 3),
			RetryDelay:  getEnvDuration("SEQUENCE_RETRY_DELAY", 10*time.Millisecond),
		},
		Lineage: LineageConfig{
			MaxDepth:         getEnvInt("LINEAGE_MAX_DEPTH", 10),
			OperationTimeout: getEnvDuration("LINEAGE_OPERATION_TIMEOUT", 10*time.Second),
			LockTTL:          getEnvDuration("LINEAGE_LOCK_TTL", 15*time.Second),
			NodeID:           int64(getEnvInt("LINEAGE_NODE_ID", 1)),
			WriteRateLimit:   getEnvInt("LINEAGE_WRITE_RATE_LIMIT", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 10*time.Minute),
		},
		Queue: QueueConfig{
			Type:       getEnv("QUEUE_TYPE", "memory"),
			StreamName: getEnv("QUEUE_STREAM", "lineage:events"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:    getEnvBool("ENABLE_PPROF", false),
			PprofPort:      getEnvInt("PPROF_PORT", 6060),
			EnableTracing:  getEnvBool("ENABLE_TRACING", false),
			EnableMetrics:  getEnvBool("ENABLE_METRICS", true),
			MetricsPort:    getEnvInt("METRICS_PORT", 9090),
			TracingBackend: getEnv("TRACING_BACKEND", "none"),
			OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		},
		Features: FeatureFlags{
			StorageBackend:      getEnv("STORAGE_BACKEND", "postgres"),
			SequenceBackend:     getEnv("SEQUENCE_BACKEND", "postgres"),
			TransactionalWrites: getEnvBool("TRANSACTIONAL_WRITES", true),
			DistributedLocks:    getEnvBool("DISTRIBUTED_LOCKS", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	switch c.Features.StorageBackend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			return fmt.Errorf("max_conns must be >= min_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Features.StorageBackend)
	}

	switch c.Features.SequenceBackend {
	case "postgres":
		if c.Features.StorageBackend != "postgres" {
			return fmt.Errorf("postgres sequence backend requires postgres storage")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown sequence backend: %s", c.Features.SequenceBackend)
	}

	if strings.TrimSpace(c.Sequence.Prefix) == "" {
		return fmt.Errorf("sequence prefix is required")
	}
	if strings.Contains(c.Sequence.Prefix, "-") {
		return fmt.Errorf("sequence prefix must not contain '-': %s", c.Sequence.Prefix)
	}
	if c.Sequence.MaxAttempts < 1 {
		return fmt.Errorf("sequence max attempts must be >= 1")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Lineage.MaxDepth < 1 {
		return fmt.Errorf("lineage max depth must be >= 1")
	}
	if c.Lineage.OperationTimeout <= 0 {
		return fmt.Errorf("lineage operation timeout must be positive")
	}
	if c.Lineage.WriteRateLimit < 0 {
		return fmt.Errorf("lineage write rate limit must be >= 0")
	}
	if c.Lineage.NodeID < 0 || c.Lineage.NodeID > 1023 {
		return fmt.Errorf("lineage node id must be in [0, 1023]: %d", c.Lineage.NodeID)
	}

	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}

	return nil
}

// Location resolves the time zone the daily sequence resets in
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Sequence.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence timezone %q: %w", c.Sequence.TimeZone, err)
	}
	return loc, nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// NeedsRedis reports whether any enabled feature talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.Features.SequenceBackend == "redis" ||
		c.Features.DistributedLocks ||
		c.Queue.Type == "redis" ||
		c.Lineage.WriteRateLimit > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
