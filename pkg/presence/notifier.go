package presence

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier pushes a user's status changes to the friends who are online.
type Notifier struct {
	friends  *FriendsCache
	registry *Registry
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(friends *FriendsCache, registry *Registry, metrics *Metrics, logger zerolog.Logger) *Notifier {
	return &Notifier{
		friends:  friends,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("component", "Notifier").Logger(),
	}
}

// NotifyFriends pushes {userID, status} to every friend of userID that has a
// registered connection. It does not wait for delivery confirmation, and a
// failed push is logged and skipped.
func (n *Notifier) NotifyFriends(ctx context.Context, userID string, status Status) {
	if !ValidUserID(userID) {
		return
	}

	n.notify(ctx, userID, n.friends.Get(ctx, userID), status)
}

// notify pushes {userID, status} to the online members of an already
// resolved friends list.
func (n *Notifier) notify(ctx context.Context, userID string, friends []string, status Status) {
	event := PresenceEvent{UserID: userID, Status: status}
	for _, friendID := range friends {
		handle, ok := n.registry.Get(friendID)
		if !ok {
			continue
		}
		n.push(ctx, friendID, handle, event)
	}
}

func (n *Notifier) push(ctx context.Context, recipient string, handle Handle, payload Payload) bool {
	if err := handle.Push(ctx, payload); err != nil {
		n.metrics.incPushFailures()
		n.logger.Warn().Err(err).
			Str("friend_id", recipient).
			Str("event", payload.EventName()).
			Msg("Failed to push event, skipping.")
		return false
	}
	n.metrics.incPushes()
	return true
}
