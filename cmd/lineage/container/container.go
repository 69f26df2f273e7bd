package container

import (
	"fmt"

	"github.com/lyzr/lineage/cmd/lineage/repository"
	"github.com/lyzr/lineage/cmd/lineage/service"
	"github.com/lyzr/lineage/common/bootstrap"
	"github.com/lyzr/lineage/common/ratelimit"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	Store   repository.Store
	Counter service.Counter

	// Services
	Engine      *service.Engine
	RateLimiter *ratelimit.RateLimiter // nil when write limits are off
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	store, err := newStore(components)
	if err != nil {
		return nil, err
	}

	counter, err := newCounter(components)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	engine, err := service.NewEngine(service.EngineConfig{
		Store:   store,
		Counter: counter,
		Sequence: service.SequenceOptions{
			Prefix:      cfg.Sequence.Prefix,
			Location:    loc,
			MaxAttempts: cfg.Sequence.MaxAttempts,
			RetryDelay:  cfg.Sequence.RetryDelay,
		},
		MaxDepth:            cfg.Lineage.MaxDepth,
		OperationTimeout:    cfg.Lineage.OperationTimeout,
		LockTTL:             cfg.Lineage.LockTTL,
		NodeID:              cfg.Lineage.NodeID,
		TransactionalWrites: cfg.Features.TransactionalWrites,
		Locker:              components.Locker,
		Queue:               components.Queue,
		Cache:               components.Cache,
		CacheTTL:            cfg.Cache.DefaultTTL,
		Metrics:             components.Metrics,
		Tracer:              components.Telemetry.Tracer("lineage"),
		Logger:              components.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lineage engine: %w", err)
	}

	var limiter *ratelimit.RateLimiter
	if cfg.Lineage.WriteRateLimit > 0 && components.Redis != nil {
		limiter = ratelimit.NewRateLimiter(components.Redis, nil, components.Logger)
	}

	components.Logger.Info("lineage engine ready",
		"storage", cfg.Features.StorageBackend,
		"sequence", cfg.Features.SequenceBackend,
		"transactional", cfg.Features.TransactionalWrites,
		"distributed_locks", cfg.Features.DistributedLocks,
	)

	return &Container{
		Components:  components,
		Store:       store,
		Counter:     counter,
		Engine:      engine,
		RateLimiter: limiter,
	}, nil
}

func newStore(components *bootstrap.Components) (repository.Store, error) {
	switch components.Config.Features.StorageBackend {
	case "postgres":
		if components.DB == nil {
			return nil, fmt.Errorf("postgres storage requires a database connection")
		}
		return repository.NewPostgresStore(components.DB), nil
	default:
		components.Logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

func newCounter(components *bootstrap.Components) (service.Counter, error) {
	switch components.Config.Features.SequenceBackend {
	case "postgres":
		if components.DB == nil {
			return nil, fmt.Errorf("postgres sequence requires a database connection")
		}
		return repository.NewPostgresCounter(components.DB), nil
	case "redis":
		if components.Redis == nil {
			return nil, fmt.Errorf("redis sequence requires a redis connection")
		}
		return repository.NewRedisCounter(components.Redis), nil
	default:
		return repository.NewMemoryCounter(), nil
	}
}
