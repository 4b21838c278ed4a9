package presence

import (
	"context"
	"slices"
	"time"

	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/rs/zerolog"
)

// DefaultFriendsTTL is how long a resolved friends list is served from memory.
const DefaultFriendsTTL = 5 * time.Minute

// FriendsCacheConfig configures a FriendsCache.
type FriendsCacheConfig struct {
	TTL time.Duration
	// MaxEntries bounds the cache; zero means cache.DefaultMaxEntries.
	MaxEntries int
	// LookupTimeout bounds a single store query; zero means no bound.
	LookupTimeout time.Duration
	// SweepInterval enables a periodic sweep of expired entries; zero disables it.
	SweepInterval time.Duration
	Clock         func() time.Time
}

type invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// FriendsCache resolves a user's friend list, serving it from memory for
// the TTL. Lookups never fail: any store problem degrades to an empty list.
// Friend-graph mutations are not observed, so a list may be up to one TTL
// stale unless Invalidate is called.
type FriendsCache struct {
	local         *cache.TTLCache[string, []string]
	source        cache.Fetcher[string, []string]
	lookupTimeout time.Duration
	sweepInterval time.Duration
	metrics       *Metrics
	logger        zerolog.Logger
}

// NewFriendsCache creates a FriendsCache in front of source. The source is
// usually a friend-graph store, optionally wrapped in a cache.RedisCache.
func NewFriendsCache(
	cfg FriendsCacheConfig,
	source cache.Fetcher[string, []string],
	metrics *Metrics,
	logger zerolog.Logger,
) (*FriendsCache, error) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultFriendsTTL
	}
	local, err := cache.NewTTLCache[string, []string](cache.TTLCacheConfig{
		TTL:        cfg.TTL,
		MaxEntries: cfg.MaxEntries,
		Clock:      cfg.Clock,
	}, source, logger)
	if err != nil {
		return nil, err
	}
	if err := metrics.observeCache(local.Stats); err != nil {
		return nil, err
	}
	return &FriendsCache{
		local:         local,
		source:        source,
		lookupTimeout: cfg.LookupTimeout,
		sweepInterval: cfg.SweepInterval,
		metrics:       metrics,
		logger:        logger.With().Str("component", "FriendsCache").Logger(),
	}, nil
}

// Get returns the friend ids of userID. An invalid id yields an empty list
// without touching the cache or the store.
func (c *FriendsCache) Get(ctx context.Context, userID string) []string {
	if !ValidUserID(userID) {
		return []string{}
	}

	if c.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.lookupTimeout)
		defer cancel()
	}

	friends, err := c.local.Fetch(ctx, userID)
	if err != nil {
		c.metrics.incStoreErrors()
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to resolve friends, using empty list.")
		return []string{}
	}
	if friends == nil {
		return []string{}
	}
	return slices.Clone(friends)
}

// Invalidate drops the cached list for userID so the next Get goes to the
// source. A shared L2 cache in front of the store is invalidated too.
func (c *FriendsCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.local.Invalidate(ctx, userID); err != nil {
		return err
	}
	if inv, ok := c.source.(invalidator); ok {
		return inv.Invalidate(ctx, userID)
	}
	return nil
}

// Start launches the optional expiry sweep.
func (c *FriendsCache) Start(ctx context.Context) {
	if c.sweepInterval > 0 {
		c.logger.Info().Dur("interval", c.sweepInterval).Msg("Starting friends cache sweeper.")
		c.local.StartSweeper(ctx, c.sweepInterval)
	}
}

// Len returns the number of cached lists.
func (c *FriendsCache) Len() int {
	return c.local.Len()
}

// Clear drops every cached list.
func (c *FriendsCache) Clear() {
	c.local.Purge()
}
