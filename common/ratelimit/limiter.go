package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Counter is an atomic increment whose key expires. The redis client
// wrapper implements it.
type Counter interface {
	IncrementWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the window resets (0 if allowed)
}

// RateLimiter is a fixed-window limiter. Each window gets its own key, so
// a counter never outlives its window.
type RateLimiter struct {
	counter Counter
	clock   clock.Clock
	logger  Logger
}

// NewRateLimiter creates a limiter over counter
func NewRateLimiter(counter Counter, clk clock.Clock, logger Logger) *RateLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RateLimiter{
		counter: counter,
		clock:   clk,
		logger:  logger,
	}
}

// CheckGlobalLimit checks the service-wide limit
func (r *RateLimiter) CheckGlobalLimit(ctx context.Context, limit int64, window time.Duration) (*RateLimitResult, error) {
	return r.checkLimit(ctx, "rate_limit:global", limit, window)
}

// CheckActorLimit checks the limit for one actor
func (r *RateLimiter) CheckActorLimit(ctx context.Context, actorID string, limit int64, window time.Duration) (*RateLimitResult, error) {
	return r.checkLimit(ctx, fmt.Sprintf("rate_limit:actor:%s", actorID), limit, window)
}

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	if window < time.Second {
		window = time.Second
	}
	windowSec := int64(window / time.Second)
	now := r.clock.Now().Unix()
	bucket := now / windowSec

	count, err := r.counter.IncrementWithExpiry(ctx, fmt.Sprintf("%s:%d", key, bucket), window)
	if err != nil {
		r.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	result := &RateLimitResult{
		Allowed:      count <= limit,
		CurrentCount: count,
		Limit:        limit,
	}

	if !result.Allowed {
		result.RetryAfterSeconds = (bucket+1)*windowSec - now
		r.logger.Warn("rate limit exceeded",
			"key", key,
			"current", count,
			"limit", limit,
			"retry_after", result.RetryAfterSeconds)
	} else {
		r.logger.Debug("rate limit check passed",
			"key", key,
			"current", count,
			"limit", limit)
	}

	return result, nil
}
