package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) (*TTLCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(opts, zaptest.NewLogger(t))
	c.now = clock.Now
	return c, clock
}

func TestGetSet(t *testing.T) {
	c, _ := newTestCache(t, Options{TTL: time.Minute})

	_, ok := c.Get("route:a:b")
	assert.False(t, ok)

	c.Set("route:a:b", []byte("8288nm"))
	v, ok := c.Get("route:a:b")
	require.True(t, ok)
	assert.Equal(t, "8288nm", string(v))

	// returned slices are copies
	v[0] = 'X'
	v2, _ := c.Get("route:a:b")
	assert.Equal(t, "8288nm", string(v2))
}

func TestLazyExpiry(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Minute})
	c.Set("k", []byte("v"))

	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
}

func TestCapacityEvictsOldestTenth(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Hour, MaxEntries: 20})
	for i := 0; i < 20; i++ {
		c.Set(fmt.Sprintf("k%02d", i), []byte("v"))
		clock.Advance(time.Millisecond)
	}
	require.Equal(t, 20, c.Len())

	c.Set("new", []byte("v"))
	assert.Equal(t, 19, c.Len(), "two oldest evicted, one added")
	_, ok := c.Get("k00")
	assert.False(t, ok)
	_, ok = c.Get("k01")
	assert.False(t, ok)
	_, ok = c.Get("k02")
	assert.True(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestCapacityEvictsAtLeastOne(t *testing.T) {
	c, clock := newTestCache(t, Options{TTL: time.Hour, MaxEntries: 3})
	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, nil)
		clock.Advance(time.Millisecond)
	}
	c.Set("d", nil)
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, Options{TTL: time.Hour, MaxEntries: 2})
	c.Set("a", []byte("1"))
	c.Set("b", []byte("1"))
	c.Set("a", []byte("2"))
	assert.Equal(t, 2, c.Len())
	v, _ := c.Get("a")
	assert.Equal(t, "2", string(v))
}

func TestGetOrLoadCoalesces(t *testing.T) {
	c := New(Options{TTL: time.Hour}, zaptest.NewLogger(t))

	var calls int32
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("loaded"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrLoad(context.Background(), "route:x:y", 0, load)
			assert.NoError(t, err)
			results[i] = string(v)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
	for _, r := range results {
		assert.Equal(t, "loaded", r)
	}

	v, hit, err := c.GetOrLoad(context.Background(), "route:x:y", 0, load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "loaded", string(v))
}

func TestGetOrLoadErrorNotCached(t *testing.T) {
	c := New(Options{}, zaptest.NewLogger(t))
	boom := errors.New("boom")
	_, _, err := c.GetOrLoad(context.Background(), "k", 0, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentWriters(t *testing.T) {
	c := New(Options{TTL: time.Hour, MaxEntries: 50}, zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%70)
				c.Set(key, []byte{byte(g)})
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "route:SGSIN:NLRTM", RouteKey(" sgsin", "NLRTM "))
	at := time.Date(2026, 3, 4, 15, 42, 0, 0, time.FixedZone("SGT", 8*3600))
	assert.Equal(t, "weather:SGSIN:2026030407", WeatherKey("sgsin", at))
	assert.Equal(t, "intent:cheapest bunker", IntentKey("  Cheapest   BUNKER "))
	assert.Equal(t, "intent", namespace(IntentKey("x")))
	assert.Equal(t, "default", namespace("plain"))
}
