package queue

import (
	"context"
	"sync"

	"github.com/lyzr/lineage/common/logger"
)

// Queue interface for lineage event passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// MemoryQueue is an in-process queue used by the memory backend and tests.
// It only delivers to subscribers in the same process: messages on a topic
// nobody has subscribed to are discarded rather than buffered.
type MemoryQueue struct {
	topics      map[string]chan *Message
	subscribers map[string]int
	closed      bool
	mu          sync.RWMutex
	log         *logger.Logger
}

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics:      make(map[string]chan *Message),
		subscribers: make(map[string]int),
		log:         log,
	}
}

// topic returns the channel for a topic, creating it on first use.
// Caller must hold q.mu.
func (q *MemoryQueue) topic(name string) chan *Message {
	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, 1000)
		q.topics[name] = ch
	}
	return ch
}

// Publish publishes a message to a topic
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	if q.subscribers[topic] == 0 {
		q.log.Debug("no subscribers, discarding message", "topic", topic, "key", key)
		return nil
	}

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case q.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		return nil
	}
}

// Subscribe subscribes to a topic and processes messages until ctx is done
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	ch := q.topic(topic)
	q.subscribers[topic]++
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		defer func() {
			q.mu.Lock()
			q.subscribers[topic]--
			q.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}

	return nil
}
