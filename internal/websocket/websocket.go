// Package websocket carries the event protocol over gorilla/websocket. Each
// connection gets a read loop that feeds the router in arrival order and a
// write pump that drains a bounded outbound queue.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/scythe504/bizsim-backend/internal/router"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 64 << 10
)

type Config struct {
	// HeartbeatTimeout drops a connection that sends nothing for this long.
	HeartbeatTimeout time.Duration
	SendBuffer       int
}

type Handler struct {
	ctx      context.Context
	router   *router.Router
	upgrader websocket.Upgrader
	cfg      Config
}

// NewHandler serves websocket sessions until ctx is cancelled, at which point
// every open connection is closed.
func NewHandler(ctx context.Context, rt *router.Router, cfg Config) *Handler {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Handler{
		ctx:    ctx,
		router: rt,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// =============================================================================
// CONNECTION HANDLING
// =============================================================================

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, h.cfg.SendBuffer)
	stop := context.AfterFunc(h.ctx, func() { _ = c.Close() })
	defer stop()

	go c.writePump()
	h.readLoop(c)
}

func (h *Handler) readLoop(c *client) {
	session := h.router.NewSession(c)
	defer func() {
		h.router.Disconnect(h.ctx, session)
		_ = c.Close()
		log.Debug().Str("conn_id", c.id).Msg("connection closed")
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info().Err(err).Str("conn_id", c.id).Str("game_id", session.GameID()).
					Str("player_id", session.Identity().PlayerID).Msg("connection lost")
			}
			return
		}
		// any inbound traffic counts as a heartbeat
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		h.router.Handle(h.ctx, session, payload)
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// client is the router's view of one websocket. Only the write pump writes
// to the socket.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	return &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.id
}

// Enqueue never blocks. A client whose queue is full is too slow to follow
// the game and gets disconnected.
func (c *client) Enqueue(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("failed to marshal outbound message")
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		log.Warn().Str("conn_id", c.id).Int("buffer", cap(c.send)).Msg("outbound queue full, closing connection")
		_ = c.Close()
		return false
	}
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *client) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("write failed")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
