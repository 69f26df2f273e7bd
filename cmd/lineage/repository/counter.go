package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lyzr/lineage/common/db"
	rediscommon "github.com/lyzr/lineage/common/redis"
)

// PostgresCounter keeps one row per (prefix, day) and advances it with an
// atomic upsert. It always runs on the pool, outside any operation's
// transaction, so a rolled-back split still burns its numbers.
type PostgresCounter struct {
	pool *pgxpool.Pool
}

// NewPostgresCounter creates a counter on the service pool
func NewPostgresCounter(database *db.DB) *PostgresCounter {
	return &PostgresCounter{pool: database.Pool}
}

// Next increments and returns the counter for day
func (c *PostgresCounter) Next(ctx context.Context, prefix string, day time.Time) (int64, error) {
	query := `
		INSERT INTO unit_number_counters (prefix, counter_date, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, counter_date)
		DO UPDATE SET value = unit_number_counters.value + 1
		RETURNING value
	`

	var value int64
	if err := c.pool.QueryRow(ctx, query, prefix, day.Format(time.DateOnly)).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to advance unit number counter: %w", err)
	}
	return value, nil
}

// RedisCounter uses INCR on a per-day key that expires after two days
type RedisCounter struct {
	redis *rediscommon.Client
}

// NewRedisCounter creates a counter on the shared redis client
func NewRedisCounter(client *rediscommon.Client) *RedisCounter {
	return &RedisCounter{redis: client}
}

// Next increments and returns the counter for day
func (c *RedisCounter) Next(ctx context.Context, prefix string, day time.Time) (int64, error) {
	key := fmt.Sprintf("lineage:seq:%s:%s", prefix, day.Format("20060102"))
	value, err := c.redis.IncrementWithExpiry(ctx, key, 48*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("failed to advance unit number counter: %w", err)
	}
	return value, nil
}

// MemoryCounter is a process-local counter
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter creates an empty counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

// Next increments and returns the counter for day
func (c *MemoryCounter) Next(ctx context.Context, prefix string, day time.Time) (int64, error) {
	key := prefix + ":" + day.Format("20060102")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key]++
	return c.values[key], nil
}
