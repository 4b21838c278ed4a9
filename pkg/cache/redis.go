package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	CacheTTL  time.Duration
	KeyPrefix string
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

// redisEntry is the stored form of a value: the value itself plus the time
// it was resolved from the source.
type redisEntry[V any] struct {
	Value    V         `json:"value"`
	CachedAt time.Time `json:"cachedAt"`
}

// RedisCache is a generic cache implementation using Redis. Values are stored
// as JSON together with the time they were resolved, and expire CacheTTL after
// that time. It can be configured with a fallback Fetcher to use on a cache
// miss. RedisCache implements TimedFetcher.
type RedisCache[K comparable, V any] struct {
	redisClient redis.UniversalClient
	ownsClient  bool
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
	fallback    Fetcher[K, V]
	now         func() time.Time
}

// NewRedisCache creates and connects a new generic RedisCache.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisCache[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
) (*RedisCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	c := NewRedisCacheWithClient[K, V](rdb, cfg, logger, fallback)
	c.ownsClient = true
	return c, nil
}

// NewRedisCacheWithClient wraps an existing client. The caller keeps
// ownership of the client; Close will not close it.
func NewRedisCacheWithClient[K comparable, V any](
	client redis.UniversalClient,
	cfg *RedisConfig,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
) *RedisCache[K, V] {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &RedisCache[K, V]{
		now:         now,
		redisClient: client,
		logger:      logger.With().Str("component", "RedisCache").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
		fallback:    fallback,
	}
}

// Fetch retrieves an item by key. It first checks Redis. On a cache miss, if a
// fallback is configured, it fetches from the fallback, writes the result back
// to Redis in the background, and returns the value.
func (c *RedisCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	value, _, err := c.FetchTimed(ctx, key)
	return value, err
}

// FetchTimed is Fetch that also returns when the value was resolved from the
// source of truth.
func (c *RedisCache[K, V]) FetchTimed(ctx context.Context, key K) (V, time.Time, error) {
	var zero V

	entry, err := c.fetchFromRedis(ctx, key)
	if err == nil {
		return entry.Value, entry.CachedAt, nil
	}

	// redis.Nil is a normal miss. Anything else is a genuine problem, but the
	// fallback can still answer, so only give up when there is none.
	if !errors.Is(err, redis.Nil) {
		c.logger.Error().Err(err).Msg("Unexpected Redis error during fetch.")
		if c.fallback == nil {
			return zero, time.Time{}, err
		}
	}

	if c.fallback == nil {
		return zero, time.Time{}, fmt.Errorf("key '%v': %w", key, ErrNotCached)
	}

	var (
		sourceValue V
		resolvedAt  time.Time
		sourceErr   error
	)
	if timed, ok := c.fallback.(TimedFetcher[K, V]); ok {
		sourceValue, resolvedAt, sourceErr = timed.FetchTimed(ctx, key)
	} else {
		sourceValue, sourceErr = c.fallback.Fetch(ctx, key)
	}
	if sourceErr != nil {
		return zero, time.Time{}, sourceErr
	}
	if resolvedAt.IsZero() {
		resolvedAt = c.now()
	}

	// Write back without blocking the caller on the cache write.
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if writeErr := c.writeAt(writeCtx, key, sourceValue, resolvedAt); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", c.key(key)).Msg("Failed to write to cache in background.")
		}
	}()

	return sourceValue, resolvedAt, nil
}

// WriteToCache sets a value in Redis, resolved now, with the configured TTL.
func (c *RedisCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	return c.store(ctx, key, value, c.now(), c.ttl)
}

// writeAt stores value with whatever is left of the TTL since resolvedAt.
// A value with no lifetime left is not written.
func (c *RedisCache[K, V]) writeAt(ctx context.Context, key K, value V, resolvedAt time.Time) error {
	expiry := c.ttl
	if c.ttl > 0 {
		expiry = c.ttl - c.now().Sub(resolvedAt)
		if expiry <= 0 {
			c.logger.Debug().Str("key", c.key(key)).Msg("Skipping write of already expired value.")
			return nil
		}
	}
	return c.store(ctx, key, value, resolvedAt, expiry)
}

func (c *RedisCache[K, V]) store(ctx context.Context, key K, value V, resolvedAt time.Time, expiry time.Duration) error {
	stringKey := c.key(key)
	jsonData, err := json.Marshal(redisEntry[V]{Value: value, CachedAt: resolvedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := c.redisClient.Set(ctx, stringKey, jsonData, expiry).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}

	c.logger.Debug().Str("key", stringKey).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Invalidate deletes the key from Redis.
func (c *RedisCache[K, V]) Invalidate(ctx context.Context, key K) error {
	stringKey := c.key(key)
	if err := c.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", stringKey, err)
	}
	return nil
}

func (c *RedisCache[K, V]) fetchFromRedis(ctx context.Context, key K) (redisEntry[V], error) {
	var entry redisEntry[V]
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		// The caller distinguishes redis.Nil from other errors.
		return entry, err
	}

	if err := json.Unmarshal([]byte(cachedData), &entry); err != nil {
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
		return entry, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	// Redis expiry and our clock can disagree; the resolve time decides.
	if c.ttl > 0 && c.now().Sub(entry.CachedAt) >= c.ttl {
		c.logger.Debug().Str("key", stringKey).Msg("Redis entry older than TTL, treating as miss.")
		return redisEntry[V]{}, redis.Nil
	}

	c.logger.Debug().Str("key", stringKey).Msg("Redis cache hit.")
	return entry, nil
}

func (c *RedisCache[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Close closes the Redis client connection if this cache created it.
func (c *RedisCache[K, V]) Close() error {
	if c.redisClient != nil && c.ownsClient {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
