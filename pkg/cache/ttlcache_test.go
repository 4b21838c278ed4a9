package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCountingSource(calls *atomic.Int32) *mockFetcher[string, []string] {
	return &mockFetcher[string, []string]{
		FetchFunc: func(_ context.Context, key string) ([]string, error) {
			calls.Add(1)
			if key == "alice" {
				return []string{"bob", "carol"}, nil
			}
			return nil, errors.New("source not found")
		},
	}
}

func TestNewTTLCache_Validation(t *testing.T) {
	_, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ttl must be greater than 0")
}

func TestTTLCache_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("Miss with no fallback", func(t *testing.T) {
		// Arrange
		c, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{TTL: time.Minute}, nil, zerolog.Nop())
		require.NoError(t, err)

		// Act
		_, err = c.Fetch(ctx, "miss")

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrNotCached)
	})

	t.Run("Fallback failure is returned and not cached", func(t *testing.T) {
		// Arrange
		expectedErr := errors.New("source is down")
		var calls atomic.Int32
		source := &mockFetcher[string, int]{
			FetchFunc: func(ctx context.Context, key string) (int, error) {
				calls.Add(1)
				return 0, expectedErr
			},
		}
		c, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{TTL: time.Minute}, source, zerolog.Nop())
		require.NoError(t, err)

		// Act
		_, err1 := c.Fetch(ctx, "any-key")
		_, err2 := c.Fetch(ctx, "any-key")

		// Assert
		assert.ErrorIs(t, err1, expectedErr)
		assert.ErrorIs(t, err2, expectedErr)
		assert.Equal(t, int32(2), calls.Load(), "A failed fetch must not populate the cache")
		assert.Equal(t, 0, c.Len())
	})

	t.Run("Hit within TTL does not query the source again", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		clock := newFakeClock()
		c, err := cache.NewTTLCache[string, []string](
			cache.TTLCacheConfig{TTL: 5 * time.Minute, Clock: clock.Now},
			newCountingSource(&calls),
			zerolog.Nop(),
		)
		require.NoError(t, err)

		// Act
		first, err1 := c.Fetch(ctx, "alice")
		clock.Advance(4 * time.Minute)
		second, err2 := c.Fetch(ctx, "alice")

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, []string{"bob", "carol"}, first)
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), calls.Load(), "Source should be called exactly once within the TTL")
		assert.Equal(t, uint64(1), c.Stats().Hits)
	})

	t.Run("Fetch after TTL triggers exactly one fresh query", func(t *testing.T) {
		// Arrange
		var calls atomic.Int32
		clock := newFakeClock()
		c, err := cache.NewTTLCache[string, []string](
			cache.TTLCacheConfig{TTL: 5 * time.Minute, Clock: clock.Now},
			newCountingSource(&calls),
			zerolog.Nop(),
		)
		require.NoError(t, err)
		_, err = c.Fetch(ctx, "alice")
		require.NoError(t, err)

		// Act
		clock.Advance(5*time.Minute + time.Second)
		_, err = c.Fetch(ctx, "alice")
		require.NoError(t, err)
		_, err = c.Fetch(ctx, "alice")
		require.NoError(t, err)

		// Assert
		assert.Equal(t, int32(2), calls.Load(), "Exactly one refresh is expected after expiry")
		assert.Equal(t, uint64(1), c.Stats().Expirations)
	})
}

func TestTTLCache_GetNeverReturnsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, err := cache.NewTTLCache[string, string](cache.TTLCacheConfig{TTL: time.Minute, Clock: clock.Now}, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.WriteToCache(ctx, "k", "v"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "An entry exactly TTL old must not be returned")
	assert.Equal(t, 0, c.Len(), "The stale entry is evicted on access")
}

func TestTTLCache_InvalidateAndPurge(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c, err := cache.NewTTLCache[string, []string](cache.TTLCacheConfig{TTL: time.Hour}, newCountingSource(&calls), zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Fetch(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "alice"))
	require.NoError(t, c.Invalidate(ctx, "never-cached"))

	_, err = c.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "Invalidate forces the next fetch to the source")

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{TTL: time.Minute, Clock: clock.Now}, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.WriteToCache(ctx, "old-1", 1))
	require.NoError(t, c.WriteToCache(ctx, "old-2", 2))
	clock.Advance(45 * time.Second)
	require.NoError(t, c.WriteToCache(ctx, "fresh", 3))
	clock.Advance(30 * time.Second)

	removed := c.Sweep()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	v, ok := c.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestTTLCache_BoundedSize(t *testing.T) {
	ctx := context.Background()
	c, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{TTL: time.Hour, MaxEntries: 2}, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.WriteToCache(ctx, "key1", 1))
	require.NoError(t, c.WriteToCache(ctx, "key2", 2))
	_, _ = c.Get("key1") // key1 becomes most recently used
	require.NoError(t, c.WriteToCache(ctx, "key3", 3))

	_, ok := c.Get("key2")
	assert.False(t, ok, "key2 was least recently used and should be evicted")
	_, ok = c.Get("key1")
	assert.True(t, ok)
	_, ok = c.Get("key3")
	assert.True(t, ok)
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	c, err := cache.NewTTLCache[string, []string](cache.TTLCacheConfig{TTL: time.Hour}, newCountingSource(&calls), zerolog.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Fetch(ctx, "alice")
			assert.NoError(t, err)
			assert.Equal(t, []string{"bob", "carol"}, v)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, 1, c.Len(), "Concurrent population converges to a single entry")
}

func TestTTLCache_StartSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := cache.NewTTLCache[string, int](cache.TTLCacheConfig{TTL: 10 * time.Millisecond}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.WriteToCache(ctx, "k", 1))

	c.StartSweeper(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
