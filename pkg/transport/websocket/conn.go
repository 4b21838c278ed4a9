package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/illmade-knight/go-presence/pkg/presence"
	"github.com/rs/zerolog"
)

var (
	// ErrSendBufferFull is returned by Push when a slow client has not
	// drained its queue.
	ErrSendBufferFull = errors.New("websocket send buffer full")
	// ErrConnClosed is returned by Push after the connection has gone.
	ErrConnClosed = errors.New("websocket connection closed")
)

// conn is the presence.Handle for one websocket. Pushes are queued and
// written by a single writer goroutine.
type conn struct {
	ws           *gorilla.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       zerolog.Logger
}

func newConn(ws *gorilla.Conn, cfg Config, logger zerolog.Logger) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger,
	}
}

// Push implements presence.Handle. It never blocks on the network.
func (c *conn) Push(_ context.Context, payload presence.Payload) error {
	data, err := presence.Encode(payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// goAway sends a close frame with the given code and closes the socket.
func (c *conn) goAway(code int, text string) {
	msg := gorilla.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	c.close()
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(gorilla.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Websocket write failed.")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(gorilla.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames until the peer goes away. Pongs extend
// the read deadline.
func (c *conn) readLoop(maxMessageSize int64) {
	defer c.close()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Websocket closed unexpectedly.")
			}
			return
		}
	}
}
