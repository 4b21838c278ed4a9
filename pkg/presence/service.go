package presence

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/rs/zerolog"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Friends        FriendsCacheConfig
	GuardReconnect bool
}

// Service owns the presence state for one process and is what transports
// talk to.
type Service struct {
	registry   *Registry
	friends    *FriendsCache
	notifier   *Notifier
	controller *Controller

	closed   atomic.Bool
	stopOnce sync.Once
	mu       sync.Mutex // guards cancel
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

// NewService wires a registry, friends cache, notifier and controller around
// store. events and metrics may be nil.
func NewService(
	cfg ServiceConfig,
	store cache.Fetcher[string, []string],
	events EventPublisher,
	metrics *Metrics,
	logger zerolog.Logger,
) (*Service, error) {
	friends, err := NewFriendsCache(cfg.Friends, store, metrics, logger)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	notifier := NewNotifier(friends, registry, metrics, logger)
	controller := NewController(ControllerConfig{
		GuardReconnect: cfg.GuardReconnect,
		Clock:          cfg.Friends.Clock,
	}, registry, friends, notifier, events, metrics, logger)

	return &Service{
		registry:   registry,
		friends:    friends,
		notifier:   notifier,
		controller: controller,
		cancel:     func() {},
		logger:     logger.With().Str("component", "PresenceService").Logger(),
	}, nil
}

// Start runs background maintenance until Shutdown or ctx is done. It does
// nothing after Shutdown.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.cancel()
	ctx, s.cancel = context.WithCancel(ctx)
	s.friends.Start(ctx)
}

// Connect handles a new connection for userID.
func (s *Service) Connect(ctx context.Context, userID string, handle Handle) (string, error) {
	if s.closed.Load() {
		return "", ErrServiceClosed
	}
	return s.controller.Connect(ctx, userID, handle)
}

// Disconnect handles the end of the connection identified by session.
func (s *Service) Disconnect(ctx context.Context, userID, session string) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}
	return s.controller.Disconnect(ctx, userID, session)
}

// NotifyFriends pushes a status event for userID to the user's online friends.
func (s *Service) NotifyFriends(ctx context.Context, userID string, status Status) {
	if s.closed.Load() {
		return
	}
	s.notifier.NotifyFriends(ctx, userID, status)
}

// IsOnline reports whether userID has a registered connection.
func (s *Service) IsOnline(userID string) bool {
	return s.registry.IsOnline(userID)
}

// OnlineFriends returns the friends of userID that are online right now.
func (s *Service) OnlineFriends(ctx context.Context, userID string) ([]string, error) {
	if !ValidUserID(userID) {
		return nil, ErrInvalidUserID
	}
	return s.registry.OnlineSubset(s.friends.Get(ctx, userID)), nil
}

// Registry exposes the connection registry.
func (s *Service) Registry() *Registry { return s.registry }

// Friends exposes the friends cache.
func (s *Service) Friends() *FriendsCache { return s.friends }

// Shutdown clears the cache and the registry and rejects further events.
// In-flight handlers are not drained.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.cancel()
		s.mu.Unlock()
		s.friends.Clear()
		s.registry.Clear()
		s.logger.Info().Msg("Presence service stopped.")
	})
}
