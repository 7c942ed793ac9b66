package hub

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound messages; dashboard clients only send
	// control frames.
	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

// Conn is the part of a websocket connection a Client uses.
// *websocket.Conn from gofiber/websocket satisfies it.
type Conn interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one dashboard connection. The hub queues messages on send; the
// write pump is the only goroutine writing to conn.
type Client struct {
	id   string
	hub  *Hub
	conn Conn
	send chan Message
	log  *slog.Logger

	ping    time.Duration
	written atomic.Uint64
	skipped atomic.Uint64
}

// NewClient creates a client for conn and registers it with the hub. If
// the hub has stopped, the client's queue is closed and Run returns after
// sending a close frame.
func NewClient(hub *Hub, conn Conn) *Client {
	c := newClient(hub, conn, sendBuffer)
	select {
	case hub.register <- c:
	case <-hub.done:
		close(c.send)
	}
	return c
}

func newClient(hub *Hub, conn Conn, buffer int) *Client {
	id := uuid.NewString()[:8]
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan Message, buffer),
		log:  hub.log.With("client", id),
		ping: pingPeriod,
	}
}

// ID returns the client's short identifier used in logs.
func (c *Client) ID() string {
	return c.id
}

// Run pumps messages until the connection closes. Call it from the
// websocket handler; it blocks.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump only watches for disconnects and pongs.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.log.Debug("client read ended", "error", err)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("client writer stopped", "written", c.written.Load(), "skipped_frames", c.skipped.Load())
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.closeFrame()
				return
			}

			var next *Message
			if msg.Type == BinaryMessage {
				msg, next, ok = c.latestFrame(msg)
			}
			if err := c.write(msg); err != nil {
				return
			}
			if next != nil {
				if err := c.write(*next); err != nil {
					return
				}
			}
			if !ok {
				c.closeFrame()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// latestFrame skips preview frames that are already superseded in the
// queue. It returns the newest frame, the first queued non-frame message
// (if any) and false once the queue has been closed.
func (c *Client) latestFrame(frame Message) (Message, *Message, bool) {
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return frame, nil, false
			}
			if m.Type != BinaryMessage {
				return frame, &m, true
			}
			c.skipped.Add(1)
			frame = m
		default:
			return frame, nil, true
		}
	}
}

func (c *Client) write(msg Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(wireType(msg.Type), msg.Data); err != nil {
		c.log.Debug("client write failed", "error", err)
		return err
	}
	c.written.Add(1)
	return nil
}

func (c *Client) closeFrame() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func wireType(t MessageType) int {
	if t == BinaryMessage {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
