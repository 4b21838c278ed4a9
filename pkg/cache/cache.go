package cache

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a value by key. Both cache layers and sources of truth
// implement it, so a cache can fall back to either.
type Fetcher[K any, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	io.Closer
}

// Cache is a generic interface for a caching layer.
type Cache[K any, V any] interface {
	Fetcher[K, V]
	// WriteToCache adds an item to the cache.
	WriteToCache(ctx context.Context, key K, value V) error
	// Invalidate removes an item so the next Fetch goes to the fallback.
	Invalidate(ctx context.Context, key K) error
}

// TimedFetcher is a Fetcher that also reports when the value was resolved
// from the source of truth. Layered caches keep that time rather than
// restamping the value when it moves between layers.
type TimedFetcher[K any, V any] interface {
	Fetcher[K, V]
	FetchTimed(ctx context.Context, key K) (V, time.Time, error)
}
