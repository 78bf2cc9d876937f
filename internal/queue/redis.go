package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis list backing the queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// DefaultRedisConfig returns the local defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr: "localhost:6379",
		Key:  "bundle_queue",
	}
}

// RedisQueue is a Redis list used with RPUSH / BLPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// Compile-time interface check.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects a Redis client for the queue key.
func NewRedisQueue(cfg RedisConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisQueueWithClient(client, cfg.Key)
}

// NewRedisQueueWithClient wraps an existing client.
func NewRedisQueueWithClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisConfig().Key
	}
	return &RedisQueue{client: client, key: key}
}

// Push appends payload to the tail of the list.
func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("queue: rpush: %w", err)
	}
	return nil
}

// Pop blocks on BLPOP for up to timeout.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("queue: blpop: %w", err)
	}
	// BLPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: blpop: unexpected reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// Len returns LLEN of the list.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: llen: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
