package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-presence/pkg/cache"
	"github.com/illmade-knight/go-presence/pkg/config"
	"github.com/illmade-knight/go-presence/pkg/eventsink"
	"github.com/illmade-knight/go-presence/pkg/friendgraph"
	"github.com/illmade-knight/go-presence/pkg/microservice"
	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/illmade-knight/go-presence/pkg/transport/natstransport"
	"github.com/illmade-knight/go-presence/pkg/transport/websocket"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the presence service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Shutdown(context.Background())
				return err
			}

			<-ctx.Done()
			logger.Info().Msg("Shutdown signal received.")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			a.Shutdown(shutdownCtx)
			return nil
		},
	}
}

// app is the wired service: store, caches, presence core, transports and
// the HTTP host.
type app struct {
	cfg       *config.Config
	store     friendgraph.MutableStore
	l2        *cache.RedisCache[string, []string]
	events    eventsink.Publisher
	service   *presence.Service
	server    *microservice.BaseServer
	ws        *websocket.Server
	nc        *nats.Conn
	transport *natstransport.Transport
	logger    zerolog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, reg *prometheus.Registry, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, events: eventsink.NopPublisher{}, logger: logger}
	defer func() {
		if err != nil {
			a.Shutdown(context.Background())
		}
	}()

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := presence.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a.store, err = friendgraph.Open(ctx, cfg.FriendStore(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open friend store: %w", err)
	}

	var source cache.Fetcher[string, []string] = a.store
	if cfg.Redis.Addr != "" {
		a.l2, err = cache.NewRedisCache[string, []string](ctx, &cache.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			CacheTTL:  cfg.Redis.TTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger, a.store)
		if err != nil {
			return nil, err
		}
		source = a.l2
	}

	if cfg.Events.TopicID != "" {
		pub, err := eventsink.OpenPubSubPublisher(ctx, eventsink.PubSubConfig{
			ProjectID:       cfg.Events.ProjectID,
			TopicID:         cfg.Events.TopicID,
			CredentialsFile: cfg.Events.CredentialsFile,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.events = pub
	}

	a.service, err = presence.NewService(presence.ServiceConfig{
		Friends: presence.FriendsCacheConfig{
			TTL:           cfg.Presence.FriendsTTL,
			MaxEntries:    cfg.Presence.CacheSize,
			LookupTimeout: cfg.Presence.LookupTimeout,
			SweepInterval: cfg.Presence.SweepInterval,
		},
		GuardReconnect: cfg.Presence.GuardReconnect,
	}, source, a.events, metrics, logger)
	if err != nil {
		return nil, err
	}

	a.server = microservice.NewBaseServer(logger, cfg.HTTPPort)
	a.server.HandleMetrics(reg)
	microservice.RegisterPresenceAPI(a.server.Mux(), a.service, logger)
	a.ws = websocket.NewServer(websocket.Config{
		Path:           cfg.WebSocket.Path,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		PingInterval:   cfg.WebSocket.PingInterval,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		RateLimitRPS:   cfg.WebSocket.RateLimitRPS,
		RateLimitBurst: cfg.WebSocket.RateLimitBurst,
	}, a.service, logger)
	a.server.Mux().Handle("GET "+a.ws.Path(), a.ws)

	if cfg.NATS.URL != "" {
		natsCfg := natstransport.Config{
			URL:               cfg.NATS.URL,
			User:              cfg.NATS.User,
			Password:          cfg.NATS.Password,
			ConnectSubject:    cfg.NATS.ConnectSubject,
			DisconnectSubject: cfg.NATS.DisconnectSubject,
			PushPrefix:        cfg.NATS.PushPrefix,
		}
		a.nc, err = natstransport.Dial(natsCfg, "presenced")
		if err != nil {
			return nil, err
		}
		a.transport = natstransport.New(natsCfg, a.service, a.nc, logger)
	}

	return a, nil
}

// Start begins serving on every configured transport.
func (a *app) Start(ctx context.Context) error {
	a.service.Start(ctx)
	if a.transport != nil {
		if err := a.transport.Subscribe(a.nc); err != nil {
			return err
		}
	}
	if err := a.server.Start(); err != nil {
		return err
	}
	a.logger.Info().
		Str("store", a.cfg.Store.Backend).
		Bool("redis", a.l2 != nil).
		Bool("nats", a.transport != nil).
		Msg("Presence service started.")
	return nil
}

// Shutdown stops intake first, then clears presence state, then releases
// the backing clients. It is safe on a partially built app.
func (a *app) Shutdown(ctx context.Context) {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.ws != nil {
		errs = append(errs, a.ws.Close(ctx))
	}
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.service != nil {
		a.service.Shutdown()
	}
	if a.events != nil {
		errs = append(errs, a.events.Stop(ctx))
	}
	if a.l2 != nil {
		errs = append(errs, a.l2.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Errors during shutdown.")
	}
}
