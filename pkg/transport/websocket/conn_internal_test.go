package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_PushDoesNotBlock(t *testing.T) {
	c := &conn{send: make(chan []byte, 1), done: make(chan struct{})}
	event := presence.PresenceEvent{UserID: "alice", Status: presence.StatusOnline}

	require.NoError(t, c.Push(context.Background(), event))
	assert.ErrorIs(t, c.Push(context.Background(), event), ErrSendBufferFull)

	close(c.done)
	assert.ErrorIs(t, c.Push(context.Background(), event), ErrConnClosed)
}

func TestConnectLimiter(t *testing.T) {
	assert.Nil(t, newConnectLimiter(0, 1), "Zero rate disables limiting")
	var disabled *connectLimiter
	assert.True(t, disabled.allow("anyone", time.Now()))

	l := newConnectLimiter(1, 2)
	now := time.Now()
	assert.True(t, l.allow("alice", now))
	assert.True(t, l.allow("alice", now))
	assert.False(t, l.allow("alice", now))
	assert.True(t, l.allow("bob", now))
	assert.True(t, l.allow("alice", now.Add(time.Second)), "Tokens refill over time")
}
