package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/cache"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

// KeyFunc derives a cache key from the worker's inputs. ok is false when the
// inputs are too incomplete to cache on.
type KeyFunc func(s *state.WorkflowState) (key string, ok bool)

// cachedResult is the part of a successful update that is safe to share
// between requests.
type cachedResult struct {
	Artifacts state.Artifacts   `json:"artifacts"`
	Params    map[string]string `json:"params,omitempty"`
}

// Cached serves a worker's successful output from the shared cache. Failures
// are never cached, and concurrent misses for one key run the worker once.
type Cached struct {
	inner  Worker
	cache  *cache.TTLCache
	key    KeyFunc
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps inner.
func NewCached(inner Worker, c *cache.TTLCache, key KeyFunc, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{inner: inner, cache: c, key: key, ttl: ttl, logger: logger}
}

func (c *Cached) Name() string { return c.inner.Name() }

func (c *Cached) Run(ctx context.Context, s *state.WorkflowState) (state.Update, error) {
	key, ok := c.key(s)
	if !ok {
		return c.inner.Run(ctx, s)
	}

	var fresh *state.Update
	raw, hit, err := c.cache.GetOrLoad(ctx, key, c.ttl, func(ctx context.Context) ([]byte, error) {
		u, err := c.inner.Run(ctx, s)
		fresh = &u
		if err != nil {
			return nil, err
		}
		return json.Marshal(cachedResult{Artifacts: u.Artifacts, Params: u.Params})
	})
	if err != nil {
		if fresh != nil {
			return *fresh, err
		}
		werr := &WorkerError{Worker: c.Name(), Cause: err}
		return Failure(c.Name(), werr, time.Now()), werr
	}
	if fresh != nil && !hit {
		return *fresh, nil
	}

	var res cachedResult
	if err := json.Unmarshal(raw, &res); err != nil {
		c.cache.Delete(key)
		return c.inner.Run(ctx, s)
	}
	c.logger.Debug("Worker served from cache",
		zap.String("correlation_id", s.CorrelationID),
		zap.String("worker", c.Name()),
		zap.String("key", key),
	)
	u := Success(c.Name(), res.Artifacts, fmt.Sprintf("%s served from cache", c.Name()))
	u.Params = res.Params
	return u, nil
}

// RouteKey caches routes by origin and destination.
func RouteKey(s *state.WorkflowState) (string, bool) {
	in := s.Inputs("route")
	if in["origin"] == "" || in["destination"] == "" {
		return "", false
	}
	key := cache.RouteKey(in["origin"], in["destination"])
	if v := in["avoid_eca"]; v != "" {
		key += ":eca=" + v
	}
	return key, true
}

// WeatherKey caches forecasts by location and UTC hour. The hour comes from
// the departure time when it parses, else from now.
func WeatherKey(now func() time.Time) KeyFunc {
	return func(s *state.WorkflowState) (string, bool) {
		in := s.Inputs("weather")
		loc := in["port"]
		if loc == "" {
			loc = in["location"]
		}
		if loc == "" {
			loc = in["origin"]
		}
		if loc == "" {
			return "", false
		}
		at := now()
		if dep := in["departure_time"]; dep != "" {
			if t, err := time.Parse(time.RFC3339, dep); err == nil {
				at = t
			}
		}
		return cache.WeatherKey(loc, at), true
	}
}
