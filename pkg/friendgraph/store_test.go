package friendgraph_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-presence/pkg/friendgraph"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseMutableStore runs the shared friend-graph contract against s.
func exerciseMutableStore(t *testing.T, s friendgraph.MutableStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("Unknown user", func(t *testing.T) {
		_, err := s.Fetch(ctx, "ghost")
		assert.ErrorIs(t, err, friendgraph.ErrUserNotFound)
	})

	t.Run("User without friends", func(t *testing.T) {
		require.NoError(t, s.AddUser(ctx, "loner"))
		require.NoError(t, s.AddUser(ctx, "loner"), "AddUser is idempotent")

		friends, err := s.Fetch(ctx, "loner")
		require.NoError(t, err)
		assert.NotNil(t, friends)
		assert.Empty(t, friends)
	})

	t.Run("Friendships are symmetric and ordered", func(t *testing.T) {
		require.NoError(t, s.AddFriendship(ctx, "alice", "bob"))
		require.NoError(t, s.AddFriendship(ctx, "alice", "carol"))
		require.NoError(t, s.AddFriendship(ctx, "alice", "bob"), "Duplicate friendship is a no-op")

		alice, err := s.Fetch(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob", "carol"}, alice)

		bob, err := s.Fetch(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, bob)
	})

	t.Run("Remove friendship", func(t *testing.T) {
		require.NoError(t, s.RemoveFriendship(ctx, "bob", "alice"))

		alice, err := s.Fetch(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, alice)

		bob, err := s.Fetch(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, bob, "The user still exists after losing every friend")
	})

	t.Run("Invalid pairs", func(t *testing.T) {
		assert.Error(t, s.AddFriendship(ctx, "alice", "alice"))
		assert.Error(t, s.AddFriendship(ctx, "", "bob"))
		assert.Error(t, s.RemoveFriendship(ctx, "alice", ""))
	})
}

func TestMemoryStore(t *testing.T) {
	s := friendgraph.NewMemoryStore(zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	exerciseMutableStore(t, s)
}

func TestMemoryStore_FetchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := friendgraph.NewMemoryStore(zerolog.Nop())
	require.NoError(t, s.AddFriendship(ctx, "alice", "bob"))

	friends, err := s.Fetch(ctx, "alice")
	require.NoError(t, err)
	friends[0] = "mallory"

	again, err := s.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, again)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("Memory is the default", func(t *testing.T) {
		s, err := friendgraph.Open(ctx, friendgraph.Config{}, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &friendgraph.MemoryStore{}, s)
	})

	t.Run("SQLite", func(t *testing.T) {
		s, err := friendgraph.Open(ctx, friendgraph.Config{Backend: friendgraph.SQLiteBackend, DSN: ":memory:"}, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		assert.IsType(t, &friendgraph.SQLStore{}, s)
	})

	t.Run("Unknown backend", func(t *testing.T) {
		_, err := friendgraph.Open(ctx, friendgraph.Config{Backend: "cassandra"}, zerolog.Nop())
		assert.ErrorContains(t, err, "unsupported friend store backend")
	})

	t.Run("Malformed MySQL DSN", func(t *testing.T) {
		_, err := friendgraph.Open(ctx, friendgraph.Config{Backend: friendgraph.MySQLBackend, DSN: "not a dsn"}, zerolog.Nop())
		assert.ErrorContains(t, err, "invalid MySQL DSN")
	})
}

func TestNewFirestoreStore_NilClient(t *testing.T) {
	_, err := friendgraph.NewFirestoreStore(&friendgraph.FirestoreConfig{}, nil, zerolog.Nop())
	assert.Error(t, err)
}
