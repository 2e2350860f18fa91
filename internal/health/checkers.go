package health

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/registry"
)

const (
	defaultCheckTimeout = 5 * time.Second
	slowThreshold       = 100 * time.Millisecond
)

// Pinger is implemented by the checkpoint stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

type breaker interface {
	BreakerOpen() bool
}

// PingChecker reports a dependency healthy when Ping succeeds quickly.
type PingChecker struct {
	name     string
	ping     func(context.Context) error
	open     func() bool
	critical bool
	timeout  time.Duration
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: p.name, Timestamp: start}

	if p.open != nil && p.open() {
		result.Status = StatusUnhealthy
		result.Message = "circuit breaker open"
		result.Error = "circuit breaker open"
		return result
	}

	err := p.ping(ctx)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "responding with high latency"
	default:
		result.Status = StatusHealthy
	}
	return result
}

// NewCheckpointChecker checks the configured checkpoint store. It is
// critical: without checkpoints Resume and the checkpoint API are broken.
func NewCheckpointChecker(backend string, store Pinger) *PingChecker {
	c := &PingChecker{
		name:     "checkpoint_" + backend,
		ping:     store.Ping,
		critical: true,
		timeout:  defaultCheckTimeout,
	}
	if b, ok := store.(breaker); ok {
		c.open = b.BreakerOpen
	}
	return c
}

// NewRedisChecker checks a go-redis client. The idempotency store fails
// open, so it is registered as non-critical.
func NewRedisChecker(name string, client redis.UniversalClient, critical bool) *PingChecker {
	return &PingChecker{
		name:     name,
		ping:     func(ctx context.Context) error { return client.Ping(ctx).Err() },
		critical: critical,
		timeout:  defaultCheckTimeout,
	}
}

// RegistryChecker fails when no agents are registered.
type RegistryChecker struct {
	reg registry.Reader
}

func NewRegistryChecker(reg registry.Reader) *RegistryChecker {
	return &RegistryChecker{reg: reg}
}

func (r *RegistryChecker) Name() string           { return "registry" }
func (r *RegistryChecker) IsCritical() bool       { return true }
func (r *RegistryChecker) Timeout() time.Duration { return time.Second }

func (r *RegistryChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Component: "registry", Timestamp: time.Now(), Status: StatusHealthy}
	n := len(r.reg.GetAllAgents())
	if n == 0 {
		result.Status = StatusUnhealthy
		result.Error = "no agents registered"
		return result
	}
	result.Message = fmt.Sprintf("%d agents registered", n)
	return result
}
