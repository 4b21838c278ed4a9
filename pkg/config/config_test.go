package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-presence/pkg/config"
	"github.com/illmade-knight/go-presence/pkg/friendgraph"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.Presence.FriendsTTL)
	assert.Equal(t, time.Duration(0), cfg.Presence.SweepInterval)
	assert.Equal(t, 100_000, cfg.Presence.CacheSize)
	assert.False(t, cfg.Presence.GuardReconnect)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, "presence.connect", cfg.NATS.ConnectSubject)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Events.TopicID)
}

func TestLoad_FileAndEnv(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "presenced.yaml")
	yaml := `
log_level: debug
http_port: ":9090"
presence:
  friends_ttl: 2m
  guard_reconnect: true
store:
  backend: sqlite
  dsn: "file:test.db"
websocket:
  allowed_origins:
    - http://localhost:3000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("PRESENCE_HTTP_PORT", ":7070")
	t.Setenv("PRESENCE_REDIS_ADDR", "localhost:6379")
	t.Setenv("PRESENCE_PRESENCE_LOOKUP_TIMEOUT", "750ms")

	// Act
	cfg, err := config.Load(viper.New(), path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":7070", cfg.HTTPPort, "Environment overrides the file")
	assert.Equal(t, 2*time.Minute, cfg.Presence.FriendsTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.Presence.LookupTimeout)
	assert.True(t, cfg.Presence.GuardReconnect)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.WebSocket.AllowedOrigins)

	store := cfg.FriendStore()
	assert.Equal(t, friendgraph.SQLiteBackend, store.Backend)
	assert.Equal(t, "file:test.db", store.DSN)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg, err := config.Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	testCases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "bad log level", mutate: func(c *config.Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "bad log format", mutate: func(c *config.Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "zero ttl", mutate: func(c *config.Config) { c.Presence.FriendsTTL = 0 }, wantErr: "friends_ttl"},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Store.Backend = "cassandra" }, wantErr: "unsupported store.backend"},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Store.Backend = "postgres" }, wantErr: "store.dsn"},
		{name: "firestore without project", mutate: func(c *config.Config) { c.Store.Backend = "firestore" }, wantErr: "store.project_id"},
		{name: "redis ttl longer than friends ttl", mutate: func(c *config.Config) {
			c.Redis.Addr = "localhost:6379"
			c.Redis.TTL = 10 * time.Minute
		}, wantErr: "redis.ttl cannot exceed"},
		{name: "websocket path", mutate: func(c *config.Config) { c.WebSocket.Path = "ws" }, wantErr: "websocket.path"},
		{name: "events without project", mutate: func(c *config.Config) { c.Events.TopicID = "transitions" }, wantErr: "events.project_id"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})
}
