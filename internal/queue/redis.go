package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// maxPendingWakeups caps the wake-up list so idle periods do not accumulate tokens
const maxPendingWakeups = 64

// Notifier shortens the worker's poll sleep when new work arrives.
// The database stays the source of truth; a lost wake-up only costs one poll interval.
type Notifier interface {
	Notify(ctx context.Context) error
	Wait(ctx context.Context, timeout time.Duration) error
}

// SleepNotifier waits out the full interval
type SleepNotifier struct{}

// Notify does nothing
func (SleepNotifier) Notify(context.Context) error { return nil }

// Wait sleeps for timeout or until ctx is done
func (SleepNotifier) Wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RedisNotifier pushes a token on enqueue and blocks on BLPOP while idle
type RedisNotifier struct {
	client *redis.Client
	key    string
}

// NewRedisNotifier connects to redis and returns a notifier on key
func NewRedisNotifier(addr, password string, db int, key string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().
		Str("addr", addr).
		Int("db", db).
		Str("key", key).
		Msg("Redis wake-up notifier connected")

	return newRedisNotifier(client, key), nil
}

func newRedisNotifier(client *redis.Client, key string) *RedisNotifier {
	if key == "" {
		key = "deployctl:tasks:wake"
	}
	return &RedisNotifier{client: client, key: key}
}

// Notify wakes one waiting worker
func (n *RedisNotifier) Notify(ctx context.Context) error {
	pipe := n.client.TxPipeline()
	pipe.RPush(ctx, n.key, time.Now().UnixNano())
	pipe.LTrim(ctx, n.key, -maxPendingWakeups, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish wake-up: %w", err)
	}
	return nil
}

// Wait blocks until a wake-up arrives or timeout elapses
func (n *RedisNotifier) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout < time.Second {
		timeout = time.Second
	}

	err := n.client.BLPop(ctx, timeout, n.key).Err()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to wait for wake-up: %w", err)
}

// Ping checks if the Redis connection is alive
func (n *RedisNotifier) Ping(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (n *RedisNotifier) Close() error {
	if err := n.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}

	log.Info().Msg("Redis notifier connection closed")
	return nil
}
