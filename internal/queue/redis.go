package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements TaskQueue with the reliable-list pattern: dequeue
// atomically moves the message into a pending list, ack removes it from
// there, nack rotates it back to the main list. Messages stranded in the
// pending list by a crashed consumer are recovered on the next start.
type RedisQueue struct {
	client  *redis.Client
	key     string
	pending string
}

// NewRedisQueue creates a RedisQueue on the given queue name and verifies
// connectivity.
func NewRedisQueue(addr, password string, db int, name string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisQueue(client, name), nil
}

// NewRedisQueueFromClient wraps an existing client (shared with the
// idempotency store).
func NewRedisQueueFromClient(client *redis.Client, name string) *RedisQueue {
	return newRedisQueue(client, name)
}

func newRedisQueue(client *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     name,
		pending: name + ":pending",
	}
}

// Enqueue adds a message to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next message, parking it in the
// pending list until Ack or Nack.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	val, err := q.client.BRPopLPush(ctx, q.key, q.pending, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return &Message{Body: []byte(val)}, nil
}

// Ack removes the message from the pending list.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if err := q.client.LRem(ctx, q.pending, 1, msg.Body).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack returns the message to the main queue for redelivery.
func (q *RedisQueue) Nack(ctx context.Context, msg *Message) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.pending, 1, msg.Body)
	pipe.LPush(ctx, q.key, msg.Body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}

// RecoverPending moves messages left in the pending list by a previous
// process back onto the queue. Call once at worker startup, before
// consuming; at-least-once delivery makes the resulting duplicates safe.
func (q *RedisQueue) RecoverPending(ctx context.Context) (int, error) {
	recovered := 0
	for {
		val, err := q.client.RPopLPush(ctx, q.pending, q.key).Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("recover pending: %w", err)
		}
		_ = val
		recovered++
	}
}

// Close shuts down the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
