package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

const (
	redisKeyPrefix = "voyage:checkpoint:"
	redisIndexKey  = "voyage:checkpoints"
)

// RedisStore keeps checkpoints in Redis with a TTL and a sorted index of
// recently updated correlation ids.
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// DialRedis connects to addr and returns a breaker-wrapped client.
func DialRedis(addr string, logger *zap.Logger) (*circuitbreaker.RedisWrapper, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	client := circuitbreaker.NewRedisWrapper(redisClient, "voyage-checkpoint", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store over client. A zero ttl keeps checkpoints
// for 24 hours.
func NewRedisStore(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger, now: time.Now}
}

func (r *RedisStore) Save(ctx context.Context, correlationID string, s *state.WorkflowState) (err error) {
	defer func() { observe(BackendRedis, "save", err) }()
	data, err := encode(correlationID, s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKeyPrefix+correlationID, data, r.ttl); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", correlationID, err)
	}
	if err := r.client.ZAdd(ctx, redisIndexKey, float64(r.now().UnixNano()), correlationID); err != nil {
		r.logger.Warn("Failed to index checkpoint",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, correlationID string) (s *state.WorkflowState, err error) {
	defer func() { observe(BackendRedis, "load", err) }()
	data, err := r.client.Get(ctx, redisKeyPrefix+correlationID)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", correlationID, err)
	}
	return decode(correlationID, data)
}

// Delete removes a checkpoint and its index entry.
func (r *RedisStore) Delete(ctx context.Context, correlationID string) (err error) {
	defer func() { observe(BackendRedis, "delete", err) }()
	if err := r.client.Del(ctx, redisKeyPrefix+correlationID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", correlationID, err)
	}
	return r.client.ZRem(ctx, redisIndexKey, correlationID)
}

// Recent returns up to n correlation ids, most recently saved first.
// Expired checkpoints are pruned from the index as they are found.
func (r *RedisStore) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := r.client.ZRevRange(ctx, redisIndexKey, 0, int64(n-1))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := ids[:0]
	for _, id := range ids {
		if _, err := r.client.Get(ctx, redisKeyPrefix+id); errors.Is(err, redis.Nil) {
			_ = r.client.ZRem(ctx, redisIndexKey, id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// BreakerOpen reports whether the Redis breaker is rejecting calls.
func (r *RedisStore) BreakerOpen() bool {
	return r.client.IsCircuitBreakerOpen()
}
