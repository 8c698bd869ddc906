package ws

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is one live websocket connection. Its read pump handles inbound
// events strictly sequentially, so per-connection event order is preserved
// by construction; the write pump owns all writes to the socket.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	userID    uuid.UUID
	sessionID string
	isClosing int32
	logger    *ConnLogger
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, sessionID string, logger *ConnLogger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		sessionID: sessionID,
		logger:    logger,
	}
}

// SessionID implements presence.Session.
func (c *Client) SessionID() string { return c.sessionID }

// UserID implements presence.Session.
func (c *Client) UserID() uuid.UUID { return c.userID }

// Enqueue implements presence.Session. It never blocks: when the buffer is
// full the frame is dropped and the caller decides whether that matters.
func (c *Client) Enqueue(data []byte) bool {
	if atomic.LoadInt32(&c.isClosing) == 1 {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close tears the connection down; the read pump's deferred unregister does
// the presence cleanup.
func (c *Client) Close() {
	if atomic.CompareAndSwapInt32(&c.isClosing, 0, 1) {
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("unexpected close", c.userID, c.sessionID, err)
			}
			break
		}

		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
		// Dispatch runs inline: the next frame is not read until this one
		// is fully handled, which gives per-connection sequential order.
		// The background context deliberately outlives the connection so
		// an in-flight persistence still completes after a disconnect.
		c.hub.dispatcher.Dispatch(context.Background(), c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(newline)
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
