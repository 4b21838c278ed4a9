package presence_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeStore is a friend-graph store that counts its queries.
type fakeStore struct {
	mu      sync.Mutex
	friends map[string][]string
	err     error
	calls   atomic.Int32
	keys    []string
}

func newFakeStore(friends map[string][]string) *fakeStore {
	return &fakeStore{friends: friends}
}

func (s *fakeStore) Fetch(_ context.Context, userID string) ([]string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, userID)
	if s.err != nil {
		return nil, s.err
	}
	f, ok := s.friends[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return f, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) queriedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// recordingHandle stores every payload pushed to it.
type recordingHandle struct {
	mu       sync.Mutex
	payloads []presence.Payload
	err      error
}

func (h *recordingHandle) Push(_ context.Context, p presence.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.payloads = append(h.payloads, p)
	return nil
}

func (h *recordingHandle) events() []presence.PresenceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []presence.PresenceEvent
	for _, p := range h.payloads {
		if e, ok := p.(presence.PresenceEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

func (h *recordingHandle) snapshots() []presence.OnlineFriends {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []presence.OnlineFriends
	for _, p := range h.payloads {
		if s, ok := p.(presence.OnlineFriends); ok {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// publishRecorder captures audit transitions.
type publishRecorder struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (p *publishRecorder) Publish(_ context.Context, payload []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return p.err
}

func newTestService(t *testing.T, store *fakeStore, cfg presence.ServiceConfig) *presence.Service {
	t.Helper()
	svc, err := presence.NewService(cfg, store, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return svc
}
