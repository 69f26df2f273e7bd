package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lyzr/lineage/common/logger"
	rediscommon "github.com/lyzr/lineage/common/redis"
)

// RedisStreamQueue publishes every topic onto a single Redis stream.
// Consumers outside this service read the stream directly; Subscribe is a
// convenience tail for in-process listeners and starts at the stream's end.
type RedisStreamQueue struct {
	redis  *rediscommon.Client
	stream string
	log    *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewRedisStreamQueue creates a queue backed by the given stream
func NewRedisStreamQueue(client *rediscommon.Client, stream string, log *logger.Logger) *RedisStreamQueue {
	return &RedisStreamQueue{
		redis:  client,
		stream: stream,
		log:    log,
	}
}

// Publish appends a message to the stream
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.redis.AddToStream(ctx, q.stream, map[string]interface{}{
		"topic": topic,
		"key":   key,
		"value": string(message),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe tails the stream and hands matching topic entries to handler
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	prev := q.cancel
	q.cancel = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	q.mu.Unlock()

	q.log.Info("subscribing to stream", "stream", q.stream, "topic", topic)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		lastID := "$"
		for {
			if ctx.Err() != nil {
				return
			}
			msgs, err := q.redis.ReadStream(ctx, q.stream, lastID, 100, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Warn("stream read failed", "stream", q.stream, "error", err)
				time.Sleep(time.Second)
				continue
			}
			for _, m := range msgs {
				lastID = m.ID
				if t, _ := m.Values["topic"].(string); t != topic {
					continue
				}
				key, _ := m.Values["key"].(string)
				value, _ := m.Values["value"].(string)
				if err := handler(ctx, key, []byte(value)); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close stops subscribers
func (q *RedisStreamQueue) Close() error {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
