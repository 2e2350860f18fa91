package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards the checkpoint Redis client with a breaker. redis.Nil
// is a cache miss, not a failure.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	service string
	logger  *zap.Logger
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	config := GetRedisConfig().ToConfig()
	config.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
	}
	cb := NewCircuitBreaker("redis", config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", service, cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		service: service,
		logger:  logger,
	}
}

func (rw *RedisWrapper) run(ctx context.Context, fn func() error) error {
	err := rw.cb.Execute(ctx, fn)
	success := err == nil || errors.Is(err, redis.Nil)
	GlobalMetricsCollector.RecordRequest("redis", rw.service, rw.cb.State(), success)
	return err
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return rw.run(ctx, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the raw bytes stored at key; redis.Nil when absent.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := rw.run(ctx, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		out = b
		return err
	})
	return out, err
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return rw.run(ctx, func() error {
		return rw.client.Set(ctx, key, value, expiration).Err()
	})
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return rw.run(ctx, func() error {
		return rw.client.Del(ctx, keys...).Err()
	})
}

// ZAdd records member in a sorted set index
func (rw *RedisWrapper) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return rw.run(ctx, func() error {
		return rw.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRevRange returns members of a sorted set, highest score first
func (rw *RedisWrapper) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := rw.run(ctx, func() error {
		v, err := rw.client.ZRevRange(ctx, key, start, stop).Result()
		out = v
		return err
	})
	return out, err
}

// ZRem removes members from a sorted set index
func (rw *RedisWrapper) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rw.run(ctx, func() error {
		return rw.client.ZRem(ctx, key, args...).Err()
	})
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
