package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/metrics"
)

// Key namespaces. The namespace is the prefix before the first colon.
const (
	NamespaceRoute   = "route"
	NamespaceWeather = "weather"
	NamespaceIntent  = "intent"
)

type entry struct {
	value    []byte
	storedAt time.Time
	expires  time.Time
}

// TTLCache is a process-wide byte cache shared by concurrent requests.
// Expired entries are dropped lazily on access; when the cache is full the
// oldest tenth of entries is evicted.
type TTLCache struct {
	mu         sync.Mutex
	data       map[string]entry
	ttl        time.Duration
	maxEntries int
	group      singleflight.Group
	logger     *zap.Logger
	now        func() time.Time
}

// Options configures a TTLCache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
}

// New creates a cache. Zero options fall back to a one hour TTL and 1000
// entries.
func New(opts Options, logger *zap.Logger) *TTLCache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTLCache{
		data:       make(map[string]entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the value for key if present and not expired.
func (c *TTLCache) Get(key string) ([]byte, bool) {
	ns := namespace(key)
	c.mu.Lock()
	e, ok := c.data[key]
	if ok && !c.now().Before(e.expires) {
		delete(c.data, key)
		ok = false
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		metrics.CacheSize.Set(float64(len(c.data)))
	}
	c.mu.Unlock()

	if !ok {
		metrics.CacheMisses.WithLabelValues(ns).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(ns).Inc()
	return append([]byte(nil), e.value...), true
}

// Set stores value under key with the default TTL.
func (c *TTLCache) Set(key string, value []byte) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with an explicit TTL.
func (c *TTLCache) SetWithTTL(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.data[key] = entry{
		value:    append([]byte(nil), value...),
		storedAt: now,
		expires:  now.Add(ttl),
	}
	metrics.CacheSize.Set(float64(len(c.data)))
}

// evictOldestLocked drops expired entries, then the oldest ~10% if still full.
func (c *TTLCache) evictOldestLocked() {
	now := c.now()
	for k, e := range c.data {
		if !now.Before(e.expires) {
			delete(c.data, k)
			metrics.CacheEvictions.WithLabelValues("expired").Inc()
		}
	}
	if len(c.data) < c.maxEntries {
		return
	}

	n := len(c.data) / 10
	if n < 1 {
		n = 1
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.data))
	for k, e := range c.data {
		all = append(all, aged{k, e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:n] {
		delete(c.data, a.key)
	}
	metrics.CacheEvictions.WithLabelValues("capacity").Add(float64(n))
	c.logger.Debug("Cache capacity eviction",
		zap.Int("evicted", n),
		zap.Int("remaining", len(c.data)),
	)
}

// Delete removes key.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	metrics.CacheSize.Set(float64(len(c.data)))
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until
// they are touched.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// GetOrLoad returns the cached value for key or calls load once across all
// concurrent callers for the same key and caches its result.
func (c *TTLCache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.SetWithTTL(key, data, ttl)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return append([]byte(nil), v.([]byte)...), false, nil
}

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "default"
}

// RouteKey keys a route by its endpoints.
func RouteKey(origin, destination string) string {
	return fmt.Sprintf("%s:%s:%s", NamespaceRoute, normalize(origin), normalize(destination))
}

// WeatherKey keys weather by location and the UTC hour of at.
func WeatherKey(location string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s", NamespaceWeather, normalize(location), at.UTC().Format("2006010215"))
}

// IntentKey keys an LLM classification by normalized query text.
func IntentKey(query string) string {
	return NamespaceIntent + ":" + strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
