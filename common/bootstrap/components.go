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
	"github.com/lyzr/lineage/common/server"
	"github.com/lyzr/lineage/common/telemetry"
)

// Components holds all initialized service dependencies
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Redis     *rediscommon.Client
	Queue     queue.Queue
	Cache     cache.Cache
	Locker    lock.Locker
	Metrics   *metrics.Metrics
	Telemetry *telemetry.Telemetry

	// Internal
	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components
// Should be called with defer after Setup()
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error

	// Run cleanup functions in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	c.cleanupFuncs = nil

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// HealthChecks returns one check per connected backing service
func (c *Components) HealthChecks() map[string]server.HealthCheck {
	checks := make(map[string]server.HealthCheck)
	if c.DB != nil {
		checks["database"] = c.DB.Health
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Health
	}
	return checks
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
