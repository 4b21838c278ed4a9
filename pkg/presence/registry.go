package presence

import (
	"sync"

	"github.com/google/uuid"
)

type registration struct {
	handle  Handle
	session string
}

// Registry maps a user to their single active connection. It is the source
// of truth for who is online. A second Set for the same user replaces the
// first registration.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Set registers handle for userID and returns the new session token.
func (r *Registry) Set(userID string, handle Handle) string {
	session := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = registration{handle: handle, session: session}
	return session
}

// Remove deletes the registration for userID. Removing a missing user is a no-op.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
}

// RemoveSession deletes the registration only if it still belongs to
// session. It reports whether anything was removed.
func (r *Registry) RemoveSession(userID, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[userID]
	if !ok || reg.session != session {
		return false
	}
	delete(r.entries, userID)
	return true
}

// Get returns the handle registered for userID.
func (r *Registry) Get(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[userID]
	return reg.handle, ok
}

// Session returns the current session token for userID.
func (r *Registry) Session(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[userID]
	return reg.session, ok
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[userID]
	return ok
}

// OnlineSubset returns the members of ids that are online, in input order.
func (r *Registry) OnlineSubset(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			online = append(online, id)
		}
	}
	return online
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}
