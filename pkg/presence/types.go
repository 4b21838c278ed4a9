// Package presence tracks which users are connected and tells their friends
// when that changes.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// MissingUserID is what a socket handshake yields when the client omits its id.
const MissingUserID = "undefined"

var (
	// ErrInvalidUserID is returned when a user id is empty or the MissingUserID sentinel.
	ErrInvalidUserID = errors.New("invalid user id")
	// ErrServiceClosed is returned for events that arrive after Shutdown.
	ErrServiceClosed = errors.New("presence service is closed")
)

// ValidUserID reports whether id can key the registry and the friends cache.
func ValidUserID(id string) bool {
	return strings.TrimSpace(id) != "" && id != MissingUserID
}

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Payload is anything that can be pushed to a connection.
type Payload interface {
	EventName() string
}

// PresenceEvent is broadcast to a user's friends when the user's status changes.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// EventName implements Payload.
func (PresenceEvent) EventName() string { return "friendStatus" }

// OnlineFriends is the snapshot sent to a newly connected user.
type OnlineFriends struct {
	OnlineFriends []string `json:"onlineFriends"`
}

// EventName implements Payload.
func (OnlineFriends) EventName() string { return "onlineFriends" }

// Envelope is the wire form of a pushed payload.
type Envelope struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// Encode wraps p in an Envelope and marshals it to JSON.
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(Envelope{Event: p.EventName(), Data: p})
}

// Handle is a transport session. The transport owns it; the registry only
// keeps a reference for pushing.
type Handle interface {
	Push(ctx context.Context, payload Payload) error
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(ctx context.Context, payload Payload) error

// Push implements Handle.
func (f HandleFunc) Push(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}
