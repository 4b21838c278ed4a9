package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
)

// DefaultMaxEntries bounds a TTLCache when no explicit size is configured.
const DefaultMaxEntries = 100_000

// ErrNotCached is returned by Fetch on a miss when no fallback is configured.
var ErrNotCached = errors.New("key not found in cache")

// TTLCacheConfig holds the configuration for a TTLCache.
type TTLCacheConfig struct {
	// TTL is the maximum age of an entry. Older entries are never returned.
	TTL time.Duration
	// MaxEntries bounds the number of entries; the least recently used entry
	// is dropped on overflow. Defaults to DefaultMaxEntries.
	MaxEntries int
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Expirations uint64
}

type ttlEntry[V any] struct {
	value    V
	cachedAt time.Time
}

// TTLCache is a generic, thread-safe, in-memory cache whose entries expire a
// fixed time after they were written. Expiry is lazy: a stale entry is removed
// when it is next accessed, or by an explicit Sweep.
//
// On a miss, Fetch consults the fallback Fetcher and writes the result back.
// No lock is held while the fallback runs, so a slow fallback for one key
// does not block lookups for other keys. Concurrent misses on the same key
// may each call the fallback; the last write wins.
type TTLCache[K comparable, V any] struct {
	ttl      time.Duration
	fallback Fetcher[K, V]
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[K, ttlEntry[V]]

	hits        atomic.Uint64
	misses      atomic.Uint64
	expirations atomic.Uint64
}

// NewTTLCache creates a new TTLCache. The fallback may be nil, in which case
// a miss returns ErrNotCached.
func NewTTLCache[K comparable, V any](cfg TTLCacheConfig, fallback Fetcher[K, V], logger zerolog.Logger) (*TTLCache[K, V], error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be greater than 0")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	entries, err := simplelru.NewLRU[K, ttlEntry[V]](cfg.MaxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &TTLCache[K, V]{
		ttl:      cfg.TTL,
		fallback: fallback,
		now:      cfg.Clock,
		logger:   logger.With().Str("component", "TTLCache").Logger(),
		entries:  entries,
	}, nil
}

// Fetch returns the cached value for key if it is younger than the TTL.
// Otherwise it fetches from the fallback, caches the result and returns it.
// Fallback errors are returned unchanged and nothing is cached.
//
// A fallback implementing TimedFetcher reports when its value was resolved,
// and the entry ages from that time. Otherwise it ages from now.
func (c *TTLCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w", key, ErrNotCached)
	}

	value, resolvedAt, err := c.fetchFallback(ctx, key)
	if err != nil {
		return zero, err
	}

	c.setAt(key, value, resolvedAt)
	return value, nil
}

func (c *TTLCache[K, V]) fetchFallback(ctx context.Context, key K) (V, time.Time, error) {
	if timed, ok := c.fallback.(TimedFetcher[K, V]); ok {
		value, resolvedAt, err := timed.FetchTimed(ctx, key)
		if err == nil && resolvedAt.IsZero() {
			resolvedAt = c.now()
		}
		return value, resolvedAt, err
	}
	value, err := c.fallback.Fetch(ctx, key)
	return value, c.now(), err
}

// Get returns the cached value without consulting the fallback. An expired
// entry is evicted and reported as a miss.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	if c.expired(entry) {
		c.entries.Remove(key)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return entry.value, true
}

// WriteToCache stores a value stamped with the current time.
func (c *TTLCache[K, V]) WriteToCache(_ context.Context, key K, value V) error {
	c.set(key, value)
	return nil
}

// Invalidate removes a key. Removing a missing key is not an error.
func (c *TTLCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *TTLCache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && c.expired(entry) {
			c.entries.Remove(key)
			removed++
		}
	}
	c.expirations.Add(uint64(removed))
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done. It is optional;
// without it expired entries linger until they are next read.
func (c *TTLCache[K, V]) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug().Int("removed", n).Msg("Swept expired cache entries.")
				}
			}
		}
	}()
}

// Len returns the number of entries, including any not yet evicted stale ones.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Purge drops every entry.
func (c *TTLCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Stats returns the hit, miss and expiration counters.
func (c *TTLCache[K, V]) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Close purges the cache. The fallback's lifecycle is managed by its owner.
func (c *TTLCache[K, V]) Close() error {
	c.Purge()
	return nil
}

func (c *TTLCache[K, V]) set(key K, value V) {
	c.setAt(key, value, c.now())
}

// setAt stores value as resolved at the given time. A value already past the
// TTL is not stored.
func (c *TTLCache[K, V]) setAt(key K, value V, resolvedAt time.Time) {
	entry := ttlEntry[V]{value: value, cachedAt: resolvedAt}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(entry) {
		return
	}
	c.entries.Add(key, entry)
}

func (c *TTLCache[K, V]) expired(entry ttlEntry[V]) bool {
	return c.now().Sub(entry.cachedAt) >= c.ttl
}
