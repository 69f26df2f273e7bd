package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/lineage/common/cache"
	"github.com/lyzr/lineage/common/config"
	"github.com/lyzr/lineage/common/db"
	"github.com/lyzr/lineage/common/lock"
	"github.com/lyzr/lineage/common/logger"
	"github.com/lyzr/lineage/common/metrics"
	"github.com/lyzr/lineage/common/queue"
	rediscommon "github.com/lyzr/lineage/common/redis"
	"github.com/lyzr/lineage/common/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Setup initializes all service components
// This is the main entry point for the service
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
		Locker:       lock.Noop{},
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	log := components.Logger

	log.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
		"storage", cfg.Features.StorageBackend,
		"sequence", cfg.Features.SequenceBackend,
	)

	// 3. Initialize database (postgres storage only)
	if !options.skipDB && cfg.Features.StorageBackend == "postgres" {
		if cfg.Database.RunMigrations {
			log.Info("running database migrations")
			if err := db.MigrateUp(cfg.DatabaseURL(), log); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		log.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})
	}

	// 4. Initialize redis (sequence counter, locks, event stream)
	if !options.skipRedis && cfg.NeedsRedis() {
		log.Info("connecting to redis", "addr", cfg.RedisAddr())
		raw, err := rediscommon.Dial(ctx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = rediscommon.NewClient(raw, log)
		components.addCleanup(func() error {
			log.Info("closing redis connection")
			return components.Redis.Close()
		})

		if cfg.Features.DistributedLocks {
			components.Locker = lock.NewRedisLocker(raw, "lineage:lock:", log)
		}
	}

	// 5. Initialize queue
	if !options.skipQueue {
		log.Info("initializing queue", "type", cfg.Queue.Type)

		switch cfg.Queue.Type {
		case "memory":
			components.Queue = queue.NewMemoryQueue(log)
		case "redis":
			if components.Redis == nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("redis queue requires a redis connection")
			}
			components.Queue = queue.NewRedisStreamQueue(components.Redis, cfg.Queue.StreamName, log)
		default:
			components.Shutdown(ctx)
			return nil, fmt.Errorf("unknown queue type: %s", cfg.Queue.Type)
		}

		components.addCleanup(func() error {
			log.Info("closing queue")
			return components.Queue.Close()
		})
	}

	// 6. Initialize cache
	if !options.skipCache && cfg.Cache.Enabled {
		log.Info("initializing cache", "ttl", cfg.Cache.DefaultTTL)
		components.Cache = cache.NewMemoryCache(log)

		components.addCleanup(func() error {
			return components.Cache.Close()
		})
	}

	// 7. Initialize metrics and telemetry
	if cfg.Telemetry.EnableMetrics {
		components.Metrics = metrics.New()
	}
	if !options.skipTelemetry {
		var gatherer prometheus.Gatherer
		if components.Metrics != nil {
			gatherer = components.Metrics.Registry
		}
		components.Telemetry = telemetry.New(serviceName, cfg.Telemetry, gatherer, log)

		if err := components.Telemetry.Start(ctx); err != nil {
			// Don't fail startup if telemetry fails
			log.Warn("failed to start telemetry", "error", err)
		}
		components.addCleanup(func() error {
			return components.Telemetry.Shutdown(context.Background())
		})
	}

	log.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"queue", components.Queue != nil,
		"cache", components.Cache != nil,
		"metrics", components.Metrics != nil,
	)

	return components, nil
}
