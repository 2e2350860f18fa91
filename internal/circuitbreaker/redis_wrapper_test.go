package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	wrapper := NewRedisWrapper(client, "checkpoint-test", zaptest.NewLogger(t))
	defer wrapper.Close()
	ctx := context.Background()

	if err := wrapper.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if err := wrapper.Set(ctx, "voyage:checkpoint:c1", []byte(`{"a":1}`), time.Minute); err != nil {
		t.Errorf("Set failed: %v", err)
	}
	got, err := wrapper.Get(ctx, "voyage:checkpoint:c1")
	if err != nil {
		t.Errorf("Get failed: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Expected stored value, got %q", got)
	}

	_, err = wrapper.Get(ctx, "voyage:checkpoint:missing")
	if !errors.Is(err, redis.Nil) {
		t.Errorf("Expected redis.Nil for non-existent key, got %v", err)
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for redis.Nil")
	}

	if err := wrapper.ZAdd(ctx, "idx", 1, "c1"); err != nil {
		t.Errorf("ZAdd failed: %v", err)
	}
	if err := wrapper.ZAdd(ctx, "idx", 2, "c2"); err != nil {
		t.Errorf("ZAdd failed: %v", err)
	}
	ids, err := wrapper.ZRevRange(ctx, "idx", 0, -1)
	if err != nil || len(ids) != 2 || ids[0] != "c2" {
		t.Errorf("Expected [c2 c1], got %v (%v)", ids, err)
	}
	if err := wrapper.ZRem(ctx, "idx", "c2"); err != nil {
		t.Errorf("ZRem failed: %v", err)
	}
	if err := wrapper.Del(ctx, "voyage:checkpoint:c1"); err != nil {
		t.Errorf("Del failed: %v", err)
	}
}

func TestRedisWrapper_OpensWhenServerDown(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        s.Addr(),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	wrapper := NewRedisWrapper(client, "checkpoint-test-down", zaptest.NewLogger(t))
	defer wrapper.Close()
	s.Close()

	ctx := context.Background()
	for i := 0; i < int(GetRedisConfig().FailureThreshold); i++ {
		_ = wrapper.Ping(ctx)
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to open after repeated failures")
	}
	if err := wrapper.Ping(ctx); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}
