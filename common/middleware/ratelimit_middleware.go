package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/lineage/common/ratelimit"
)

// ActorFunc extracts the caller identity a limit is keyed on
type ActorFunc func(c echo.Context) string

// ActorRateLimitMiddleware limits requests per actor. Requests without an
// actor are not limited here; authentication decides whether they proceed.
// A failing limiter lets the request through.
func ActorRateLimitMiddleware(rateLimiter *ratelimit.RateLimiter, limit int64, window time.Duration, actor ActorFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actorID := actor(c)
			if actorID == "" {
				return next(c)
			}

			result, err := rateLimiter.CheckActorLimit(c.Request().Context(), actorID, limit, window)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "actor_rate_limit_exceeded",
					"message": "Too many lineage writes. Please wait before trying again.",
					"details": map[string]interface{}{
						"actor_id":            actorID,
						"limit":               result.Limit,
						"window_seconds":      int64(window / time.Second),
						"current_count":       result.CurrentCount,
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
