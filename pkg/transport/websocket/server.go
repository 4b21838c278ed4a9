// Package websocket exposes the presence service over websocket connections.
// A client connects with ?userId=<id> and receives JSON envelopes for its
// online-friends snapshot and for its friends' status changes.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/rs/zerolog"
)

// Presence is the part of presence.Service the transport drives.
type Presence interface {
	Connect(ctx context.Context, userID string, handle presence.Handle) (string, error)
	Disconnect(ctx context.Context, userID, session string) error
}

// Config configures the websocket transport.
type Config struct {
	Path           string
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
	// RateLimitRPS and RateLimitBurst bound connection attempts per user.
	// Zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Path:           "/ws",
		SendBuffer:     64,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4096,
		RateLimitRPS:   1,
		RateLimitBurst: 5,
	}
}

// Server upgrades HTTP requests and bridges each connection to Presence.
type Server struct {
	presence Presence
	cfg      Config
	upgrader gorilla.Upgrader
	limiter  *connectLimiter
	logger   zerolog.Logger

	mu       sync.Mutex
	conns    map[*conn]struct{}
	closing  bool
	handlers sync.WaitGroup
}

// NewServer creates a Server. Zero config fields take their defaults.
func NewServer(cfg Config, svc Presence, logger zerolog.Logger) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		presence: svc,
		cfg:      cfg,
		limiter:  newConnectLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:   logger.With().Str("component", "WebsocketServer").Logger(),
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Path is the route the server expects to be mounted on.
func (s *Server) Path() string {
	return s.cfg.Path
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	if !s.limiter.allow(limitKey(userID, r), time.Now()) {
		s.logger.Warn().Str("user_id", userID).Msg("Connection rate limit exceeded.")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed.")
		return
	}

	c := newConn(ws, s.cfg, s.logger.With().Str("user_id", userID).Logger())
	if !s.track(c) {
		c.goAway(gorilla.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(c)
	go c.writeLoop()

	// The request context ends when the handler returns, which would cut
	// the disconnect short; handlers run on their own context.
	ctx := context.WithoutCancel(r.Context())

	session, err := s.presence.Connect(ctx, userID, c)
	if err != nil {
		s.reject(ws, err)
		c.close()
		return
	}

	c.readLoop(s.cfg.MaxMessageSize)

	if err := s.presence.Disconnect(ctx, userID, session); err != nil && !errors.Is(err, presence.ErrServiceClosed) {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Disconnect handling failed.")
	}
}

// Close sends a going-away close frame to every open connection and waits,
// until ctx is done, for their disconnects to be handled. Connections
// arriving afterwards are closed immediately.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.goAway(gorilla.CloseGoingAway, "server shutting down")
	}
	s.logger.Info().Int("connections", len(open)).Msg("Closed websocket connections.")

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.handlers.Done()
}

func (s *Server) reject(ws *gorilla.Conn, err error) {
	code := gorilla.CloseInternalServerErr
	switch {
	case errors.Is(err, presence.ErrInvalidUserID):
		code = gorilla.ClosePolicyViolation
	case errors.Is(err, presence.ErrServiceClosed):
		code = gorilla.CloseGoingAway
	}
	msg := gorilla.FormatCloseMessage(code, err.Error())
	_ = ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// limitKey buckets anonymous attempts by remote host so they cannot share
// one user's budget.
func limitKey(userID string, r *http.Request) string {
	if presence.ValidUserID(userID) {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
