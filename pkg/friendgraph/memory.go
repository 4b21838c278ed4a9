package friendgraph

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryStore is a thread-safe, in-memory friend graph for local development
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	friends map[string][]string
	logger  zerolog.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		friends: make(map[string][]string),
		logger:  logger.With().Str("component", "MemoryStore").Logger(),
	}
}

// Fetch returns a copy of the user's friend list in the order the
// friendships were made.
func (s *MemoryStore) Fetch(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	friends, ok := s.friends[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return slices.Clone(friends), nil
}

// AddUser registers a user with no friends. Existing users are untouched.
func (s *MemoryStore) AddUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.friends[userID]; !ok {
		s.friends[userID] = []string{}
	}
	return nil
}

// AddFriendship links a and b, creating either user if needed.
func (s *MemoryStore) AddFriendship(_ context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(a, b)
	s.link(b, a)
	s.logger.Debug().Str("user_id", a).Str("friend_id", b).Msg("Friendship added.")
	return nil
}

// RemoveFriendship unlinks a and b. Missing links are ignored.
func (s *MemoryStore) RemoveFriendship(_ context.Context, a, b string) error {
	if err := validPair(a, b); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlink(a, b)
	s.unlink(b, a)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) link(from, to string) {
	if !slices.Contains(s.friends[from], to) {
		s.friends[from] = append(s.friends[from], to)
	}
}

func (s *MemoryStore) unlink(from, to string) {
	if list, ok := s.friends[from]; ok {
		s.friends[from] = slices.DeleteFunc(list, func(id string) bool { return id == to })
	}
}
