package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/flowline/internal/logger"
)

// pendingMarker is stored while the first submission for a key is still
// producing its response. Concurrent retries wait on it instead of producing
// a second job.
const pendingMarker = "\x00pending"

// Store is the TTL'd key-value backend for idempotency records.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetNX stores value only if key is absent; reports whether it claimed the key.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set stores value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes a key; absent keys are not an error.
	Delete(ctx context.Context, key string) (bool, error)
}

// RedisStore implements Store on a redis client.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "flowline:idem:"}, nil
}

// NewRedisStoreFromClient wraps an existing client (shared with the queue).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "flowline:idem:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency get: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency delete: %w", err)
	}
	return n > 0, nil
}

// Cache de-duplicates submissions by caller-supplied key.
type Cache struct {
	store        Store
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewCache creates a Cache over the given store.
func NewCache(store Store) *Cache {
	return &Cache{
		store:        store,
		pollInterval: 50 * time.Millisecond,
		waitTimeout:  10 * time.Second,
	}
}

// GetOrCreate returns the stored value for key if a live record exists,
// without invoking producer. Otherwise it claims the key, invokes producer,
// stores the result with ttl, and returns it. Concurrent calls with the same
// key produce exactly one underlying value; losers wait for the winner.
func (c *Cache) GetOrCreate(ctx context.Context, key string, ttl time.Duration, producer func(context.Context) (string, error)) (string, bool, error) {
	val, ok, err := c.lookup(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		return val, true, nil
	}

	// The claim gets a short TTL of its own: if the process dies before the
	// value lands, the orphaned marker must not pin the key for the full
	// record lifetime while every retry waits it out.
	claimed, err := c.store.SetNX(ctx, key, pendingMarker, c.pendingTTL())
	if err != nil {
		return "", false, err
	}
	if !claimed {
		// Lost the race; the winner is producing the value right now.
		val, ok, err := c.lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, fmt.Errorf("concurrent submission for key %s was aborted", key)
		}
		return val, true, nil
	}

	value, err := producer(ctx)
	if err != nil {
		// Release the claim so a later retry can attempt again.
		if _, delErr := c.store.Delete(ctx, key); delErr != nil {
			logger.CtxWarn(ctx, "failed to release idempotency claim %s: %v", key, delErr)
		}
		return "", false, err
	}

	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		return value, false, err
	}
	return value, false, nil
}

// pendingTTL bounds an orphaned claim. Waiters poll for up to waitTimeout,
// so twice that covers the slowest legitimate producer.
func (c *Cache) pendingTTL() time.Duration {
	return 2 * c.waitTimeout
}

// Invalidate removes a record, reporting whether one existed. Used by
// cancellation cleanup.
func (c *Cache) Invalidate(ctx context.Context, key string) (bool, error) {
	return c.store.Delete(ctx, key)
}

// lookup reads the record, waiting out a pending marker left by a
// concurrent in-flight submission.
func (c *Cache) lookup(ctx context.Context, key string) (string, bool, error) {
	deadline := time.Now().Add(c.waitTimeout)
	for {
		val, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			return "", false, nil
		}
		if val != pendingMarker {
			return val, true, nil
		}
		if time.Now().After(deadline) {
			return "", false, fmt.Errorf("idempotency key %s stuck pending", key)
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}
