// Package config loads the presenced configuration from defaults, an
// optional YAML file, PRESENCE_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-presence/pkg/friendgraph"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. PRESENCE_REDIS_ADDR.
const EnvPrefix = "PRESENCE"

// Config is the resolved service configuration.
type Config struct {
	LogLevel  string          `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string          `mapstructure:"log_format" yaml:"log_format"`
	HTTPPort  string          `mapstructure:"http_port" yaml:"http_port"`
	Presence  PresenceConfig  `mapstructure:"presence" yaml:"presence"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
}

// PresenceConfig tunes the presence core.
type PresenceConfig struct {
	FriendsTTL     time.Duration `mapstructure:"friends_ttl" yaml:"friends_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`
	LookupTimeout  time.Duration `mapstructure:"lookup_timeout" yaml:"lookup_timeout"`
	GuardReconnect bool          `mapstructure:"guard_reconnect" yaml:"guard_reconnect"`
}

// StoreConfig selects the friend-graph store.
type StoreConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	DSN             string `mapstructure:"dsn" yaml:"dsn"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	Collection      string `mapstructure:"collection" yaml:"collection"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// RedisConfig enables the shared friends cache when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// NATSConfig enables the NATS transport when URL is set.
type NATSConfig struct {
	URL               string `mapstructure:"url" yaml:"url"`
	User              string `mapstructure:"user" yaml:"user"`
	Password          string `mapstructure:"password" yaml:"password"`
	ConnectSubject    string `mapstructure:"connect_subject" yaml:"connect_subject"`
	DisconnectSubject string `mapstructure:"disconnect_subject" yaml:"disconnect_subject"`
	PushPrefix        string `mapstructure:"push_prefix" yaml:"push_prefix"`
}

// EventsConfig enables the Pub/Sub transition feed when TopicID is set.
type EventsConfig struct {
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	TopicID         string `mapstructure:"topic_id" yaml:"topic_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// SetDefaults registers every key with its default so environment
// variables are picked up on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("http_port", ":8080")

	v.SetDefault("presence.friends_ttl", 5*time.Minute)
	v.SetDefault("presence.sweep_interval", time.Duration(0))
	v.SetDefault("presence.cache_size", 100_000)
	v.SetDefault("presence.lookup_timeout", time.Duration(0))
	v.SetDefault("presence.guard_reconnect", false)

	v.SetDefault("store.backend", string(friendgraph.MemoryBackend))
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.project_id", "")
	v.SetDefault("store.collection", friendgraph.DefaultCollection)
	v.SetDefault("store.credentials_file", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("redis.key_prefix", "presence:friends:")

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.ping_interval", 30*time.Second)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("websocket.rate_limit_rps", 1.0)
	v.SetDefault("websocket.rate_limit_burst", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.connect_subject", "presence.connect")
	v.SetDefault("nats.disconnect_subject", "presence.disconnect")
	v.SetDefault("nats.push_prefix", "presence.push")

	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic_id", "")
	v.SetDefault("events.credentials_file", "")
}

// Load resolves the configuration held by v. configFile may be empty, in
// which case ./presenced.yaml is used if it exists.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("presenced")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}

	if c.Presence.FriendsTTL <= 0 {
		errs = append(errs, errors.New("presence.friends_ttl must be greater than 0"))
	}
	if c.Presence.SweepInterval < 0 || c.Presence.LookupTimeout < 0 {
		errs = append(errs, errors.New("presence intervals cannot be negative"))
	}
	if c.Presence.CacheSize < 0 {
		errs = append(errs, errors.New("presence.cache_size cannot be negative"))
	}

	switch friendgraph.Backend(c.Store.Backend) {
	case friendgraph.MemoryBackend, friendgraph.SQLiteBackend:
	case friendgraph.MySQLBackend, friendgraph.PostgresBackend:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the %s backend", c.Store.Backend))
		}
	case friendgraph.FirestoreBackend:
		if c.Store.ProjectID == "" {
			errs = append(errs, errors.New("store.project_id is required for the firestore backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.backend %q", c.Store.Backend))
	}

	if c.Redis.Addr != "" {
		if c.Redis.TTL <= 0 {
			errs = append(errs, errors.New("redis.ttl must be greater than 0"))
		}
		if c.Redis.TTL > c.Presence.FriendsTTL {
			errs = append(errs, errors.New("redis.ttl cannot exceed presence.friends_ttl"))
		}
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, errors.New("websocket.path must start with /"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be greater than 0"))
	}
	if c.WebSocket.RateLimitRPS < 0 || c.WebSocket.RateLimitBurst < 0 {
		errs = append(errs, errors.New("websocket rate limits cannot be negative"))
	}

	if c.Events.TopicID != "" && c.Events.ProjectID == "" {
		errs = append(errs, errors.New("events.project_id is required when events.topic_id is set"))
	}

	return errors.Join(errs...)
}

// FriendStore converts the store section for friendgraph.Open.
func (c *Config) FriendStore() friendgraph.Config {
	return friendgraph.Config{
		Backend:         friendgraph.Backend(c.Store.Backend),
		DSN:             c.Store.DSN,
		ProjectID:       c.Store.ProjectID,
		Collection:      c.Store.Collection,
		CredentialsFile: c.Store.CredentialsFile,
	}
}
