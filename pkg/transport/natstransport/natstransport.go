// Package natstransport drives the presence service from NATS. Gateways
// publish connect and disconnect events; pushes for a connection are
// published to <push_prefix>.<userId>.<connId>.
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Presence is the part of presence.Service the transport drives.
type Presence interface {
	Connect(ctx context.Context, userID string, handle presence.Handle) (string, error)
	Disconnect(ctx context.Context, userID, session string) error
}

// Publisher is the part of *nats.Conn used for pushes.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the NATS transport.
type Config struct {
	URL               string
	User              string
	Password          string
	ConnectSubject    string
	DisconnectSubject string
	PushPrefix        string
	QueueGroup        string
	HandlerTimeout    time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		ConnectSubject:    "presence.connect",
		DisconnectSubject: "presence.disconnect",
		PushPrefix:        "presence.push",
		QueueGroup:        "presence-workers",
		HandlerTimeout:    10 * time.Second,
	}
}

// ConnEvent is the body of connect and disconnect messages.
type ConnEvent struct {
	UserID string `json:"userId"`
	ConnID string `json:"connId"`
}

// Transport maps gateway connections to presence sessions.
type Transport struct {
	presence Presence
	pub      Publisher
	cfg      Config
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[connKey]*connState
	subs     []*nats.Subscription
}

type connKey struct {
	userID string
	connID string
}

// connState tracks one gateway connection. A connect in progress has no
// session yet; a disconnect arriving then marks it closed and the connect
// handler finishes the disconnect.
type connState struct {
	session string
	closed  bool
}

// New creates a Transport that pushes through pub.
func New(cfg Config, svc Presence, pub Publisher, logger zerolog.Logger) *Transport {
	def := DefaultConfig()
	if cfg.ConnectSubject == "" {
		cfg.ConnectSubject = def.ConnectSubject
	}
	if cfg.DisconnectSubject == "" {
		cfg.DisconnectSubject = def.DisconnectSubject
	}
	if cfg.PushPrefix == "" {
		cfg.PushPrefix = def.PushPrefix
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = def.QueueGroup
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	return &Transport{
		presence: svc,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With().Str("component", "NATSTransport").Logger(),
		sessions: make(map[connKey]*connState),
	}
}

// Dial connects to the NATS server named in cfg.
func Dial(cfg Config, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Subscribe registers the connect and disconnect handlers on nc as members
// of the configured queue group.
func (t *Transport) Subscribe(nc *nats.Conn) error {
	connectSub, err := nc.QueueSubscribe(t.cfg.ConnectSubject, t.cfg.QueueGroup, t.HandleConnect)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.ConnectSubject, err)
	}
	disconnectSub, err := nc.QueueSubscribe(t.cfg.DisconnectSubject, t.cfg.QueueGroup, t.HandleDisconnect)
	if err != nil {
		_ = connectSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.DisconnectSubject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, connectSub, disconnectSub)
	t.mu.Unlock()

	t.logger.Info().
		Str("connect_subject", t.cfg.ConnectSubject).
		Str("disconnect_subject", t.cfg.DisconnectSubject).
		Msg("Subscribed to connection events.")
	return nil
}

// HandleConnect processes one connect message.
func (t *Transport) HandleConnect(msg *nats.Msg) {
	ev, err := decode(msg)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Invalid connect event.")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandlerTimeout)
	defer cancel()

	key := keyOf(ev)
	state := &connState{}
	t.mu.Lock()
	t.sessions[key] = state
	t.mu.Unlock()

	handle := &pushHandle{pub: t.pub, subject: t.pushSubject(ev)}
	session, err := t.presence.Connect(ctx, ev.UserID, handle)

	t.mu.Lock()
	owned := t.sessions[key] == state
	if err != nil || state.closed {
		if owned {
			delete(t.sessions, key)
		}
	} else if owned {
		state.session = session
	}
	closed := state.closed
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn().Err(err).Str("user_id", ev.UserID).Str("conn_id", ev.ConnID).Msg("Connect rejected.")
		return
	}
	if closed {
		t.logger.Debug().Str("user_id", ev.UserID).Str("conn_id", ev.ConnID).Msg("Connection closed while connecting.")
		t.disconnect(ctx, ev, session)
	}
}

// HandleDisconnect processes one disconnect message. Unknown connections
// are ignored.
func (t *Transport) HandleDisconnect(msg *nats.Msg) {
	ev, err := decode(msg)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Invalid disconnect event.")
		return
	}

	key := keyOf(ev)
	var session string
	t.mu.Lock()
	state, ok := t.sessions[key]
	if ok {
		state.closed = true
		session = state.session
		if session != "" {
			delete(t.sessions, key)
		}
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug().Str("user_id", ev.UserID).Str("conn_id", ev.ConnID).Msg("Disconnect for unknown connection.")
		return
	}
	if session == "" {
		// HandleConnect is still running and disconnects when it returns.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandlerTimeout)
	defer cancel()
	t.disconnect(ctx, ev, session)
}

func (t *Transport) disconnect(ctx context.Context, ev ConnEvent, session string) {
	if err := t.presence.Disconnect(ctx, ev.UserID, session); err != nil && !errors.Is(err, presence.ErrServiceClosed) {
		t.logger.Warn().Err(err).Str("user_id", ev.UserID).Msg("Disconnect handling failed.")
	}
}

// Close drains the subscriptions.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, sub := range t.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	t.subs = nil
	return errors.Join(errs...)
}

func (t *Transport) pushSubject(ev ConnEvent) string {
	return t.cfg.PushPrefix + "." + ev.UserID + "." + ev.ConnID
}

func decode(msg *nats.Msg) (ConnEvent, error) {
	var ev ConnEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode connection event: %w", err)
	}
	if ev.ConnID == "" {
		return ev, errors.New("connection event without connId")
	}
	if !validToken(ev.ConnID) {
		return ev, fmt.Errorf("connId %q is not a valid subject token", ev.ConnID)
	}
	// An empty or sentinel userId is left for the presence service to reject.
	if ev.UserID != "" && !validToken(ev.UserID) {
		return ev, fmt.Errorf("userId %q is not a valid subject token", ev.UserID)
	}
	return ev, nil
}

// validToken reports whether s can be used as a single NATS subject token.
func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

func keyOf(ev ConnEvent) connKey {
	return connKey{userID: ev.UserID, connID: ev.ConnID}
}

// pushHandle delivers payloads for one gateway connection.
type pushHandle struct {
	pub     Publisher
	subject string
}

func (h *pushHandle) Push(_ context.Context, payload presence.Payload) error {
	data, err := presence.Encode(payload)
	if err != nil {
		return err
	}
	return h.pub.Publish(h.subject, data)
}
