package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// EventPublisher receives every accepted status transition. It matches the
// eventsink publishers so an audit feed can be attached without an import.
type EventPublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
}

// Transition is the audit record published for a status change.
type Transition struct {
	UserID string    `json:"userId"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// GuardReconnect makes Disconnect remove only the session it was given and
	// skip the offline broadcast when a newer session is still registered.
	GuardReconnect bool
	Clock          func() time.Time
}

// Controller handles connect and disconnect events.
type Controller struct {
	registry *Registry
	friends  *FriendsCache
	notifier *Notifier
	events   EventPublisher
	guard    bool
	now      func() time.Time
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewController creates a Controller. events may be nil.
func NewController(
	cfg ControllerConfig,
	registry *Registry,
	friends *FriendsCache,
	notifier *Notifier,
	events EventPublisher,
	metrics *Metrics,
	logger zerolog.Logger,
) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Controller{
		registry: registry,
		friends:  friends,
		notifier: notifier,
		events:   events,
		guard:    cfg.GuardReconnect,
		now:      cfg.Clock,
		metrics:  metrics,
		logger:   logger.With().Str("component", "Controller").Logger(),
	}
}

// Connect registers handle for userID, pushes the user's online friends to
// the new connection and tells those friends the user is online. It returns
// the session token the transport must pass to Disconnect. The snapshot and
// the broadcast are not ordered relative to each other.
func (c *Controller) Connect(ctx context.Context, userID string, handle Handle) (string, error) {
	if !ValidUserID(userID) {
		c.metrics.incRejected()
		c.logger.Warn().Str("user_id", userID).Msg("Rejected connection without a valid user id.")
		return "", ErrInvalidUserID
	}

	session := c.registry.Set(userID, handle)
	c.metrics.incConnects()
	c.metrics.setOnline(c.registry.Len())
	c.logger.Info().Str("user_id", userID).Str("session_id", session).Msg("User connected.")

	friends := c.friends.Get(ctx, userID)
	snapshot := OnlineFriends{OnlineFriends: c.registry.OnlineSubset(friends)}
	c.notifier.push(ctx, userID, handle, snapshot)

	c.notifier.notify(ctx, userID, friends, StatusOnline)
	c.publish(ctx, userID, StatusOnline)
	return session, nil
}

// Disconnect removes userID from the registry and tells the user's friends
// the user is offline. Without GuardReconnect the removal is unconditional,
// so a stale disconnect also drops a newer connection of the same user.
func (c *Controller) Disconnect(ctx context.Context, userID, session string) error {
	if !ValidUserID(userID) {
		return ErrInvalidUserID
	}

	if c.guard {
		if !c.registry.RemoveSession(userID, session) && c.registry.IsOnline(userID) {
			c.logger.Debug().Str("user_id", userID).Str("session_id", session).
				Msg("Ignoring disconnect of a replaced session.")
			return nil
		}
	} else {
		c.registry.Remove(userID)
	}

	c.metrics.incDisconnects()
	c.metrics.setOnline(c.registry.Len())
	c.logger.Info().Str("user_id", userID).Str("session_id", session).Msg("User disconnected.")

	c.notifier.NotifyFriends(ctx, userID, StatusOffline)
	c.publish(ctx, userID, StatusOffline)
	return nil
}

func (c *Controller) publish(ctx context.Context, userID string, status Status) {
	if c.events == nil {
		return
	}
	payload, err := json.Marshal(Transition{UserID: userID, Status: status, At: c.now().UTC()})
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to marshal transition.")
		return
	}
	attrs := map[string]string{"userId": userID, "status": string(status)}
	if err := c.events.Publish(ctx, payload, attrs); err != nil {
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to publish transition.")
	}
}
