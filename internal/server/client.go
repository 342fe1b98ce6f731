package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arenacore/internal/game"
	"arenacore/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 5120
)

// Client is one live websocket connection. It implements game.Conn and
// matchmaking.Waiter; all game-visible fields are only touched on the
// event loop.
type Client struct {
	router      *Router
	conn        *websocket.Conn
	send        chan []byte
	closeOnce   sync.Once
	closed      chan struct{}
	peerIP      string
	releaseConn func()
	alive       atomic.Bool
	log         *logrus.Entry

	// lastMsgAt is touched only by the read pump.
	lastMsgAt time.Time

	// Loop-owned state.
	identity game.Identity
	authed   bool
}

func newClient(conn *websocket.Conn, router *Router, peerIP string, release func()) *Client {
	c := &Client{
		router:      router,
		conn:        conn,
		send:        make(chan []byte, 64),
		closed:      make(chan struct{}),
		peerIP:      peerIP,
		releaseConn: release,
		log:         router.log.WithField("peer", peerIP),
	}
	c.alive.Store(true)
	return c
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer c.close("client closed connection")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("unexpected close")
			}
			return
		}

		now := time.Now()
		if c.router.rateLimit > 0 && now.Sub(c.lastMsgAt) < c.router.rateLimit {
			c.SendError("rate limit exceeded")
			continue
		}
		c.lastMsgAt = now

		var envelope protocol.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			c.SendError("invalid message format")
			continue
		}

		c.router.dispatch(c, envelope)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close("writePump exit")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send implements game.Conn. It never blocks the caller: a full buffer
// means a slow consumer and the message is dropped.
func (c *Client) Send(kind protocol.Kind, payload any) {
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		c.log.WithError(err).WithField("action", kind).Warn("failed to encode payload")
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.log.WithField("action", kind).Warn("dropping message to slow consumer")
	}
}

// SendError reports a request-scoped failure to this connection only.
func (c *Client) SendError(message string) {
	c.Send(protocol.KindError, protocol.ErrorPayload{Message: message})
}

// Alive implements matchmaking.Waiter.
func (c *Client) Alive() bool {
	return c.alive.Load()
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		if reason != "" {
			c.log.WithField("reason", reason).Debug("closing websocket")
		}
		close(c.closed)
		c.router.clientClosed(c)
		_ = c.conn.Close()
		if c.releaseConn != nil {
			c.releaseConn()
			c.releaseConn = nil
		}
	})
}
