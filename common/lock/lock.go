package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/lyzr/lineage/common/logger"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another writer holds one of the keys
var ErrNotObtained = errors.New("lock not obtained")

// Locker serializes writers on a set of unit keys
type Locker interface {
	Acquire(ctx context.Context, keys []string, ttl time.Duration) (Held, error)
}

// Held releases every key acquired together
type Held interface {
	Release(ctx context.Context) error
}

// Noop never blocks. Used when distributed locks are disabled and the
// store's version checks are the only writer guard.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, keys []string, ttl time.Duration) (Held, error) {
	return noopHeld{}, nil
}

type noopHeld struct{}

func (noopHeld) Release(ctx context.Context) error { return nil }

// RedisLocker takes one redislock per key, in sorted order so two
// writers over overlapping unit sets cannot deadlock
type RedisLocker struct {
	client *redislock.Client
	prefix string
	retry  redislock.RetryStrategy
	log    *logger.Logger
}

// NewRedisLocker creates a locker over the given redis client
func NewRedisLocker(rdb *redis.Client, prefix string, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		prefix: prefix,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), 3),
		log:    log,
	}
}

// Acquire obtains all keys or none
func (l *RedisLocker) Acquire(ctx context.Context, keys []string, ttl time.Duration) (Held, error) {
	ordered := SortedUnique(keys)
	held := &redisHeld{log: l.log}

	for _, key := range ordered {
		lk, err := l.client.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{RetryStrategy: l.retry})
		if errors.Is(err, redislock.ErrNotObtained) {
			_ = held.Release(ctx)
			return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
		}
		if err != nil {
			_ = held.Release(ctx)
			return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
		}
		held.locks = append(held.locks, lk)
	}

	l.log.Debug("locks obtained", "keys", ordered)
	return held, nil
}

type redisHeld struct {
	locks []*redislock.Lock
	log   *logger.Logger
}

func (h *redisHeld) Release(ctx context.Context) error {
	var firstErr error
	for i := len(h.locks) - 1; i >= 0; i-- {
		if err := h.locks[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			h.log.Warn("lock release failed", "key", h.locks[i].Key(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	h.locks = nil
	return firstErr
}

// SortedUnique returns keys sorted with duplicates removed
func SortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
