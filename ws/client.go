// Package ws is the websocket transport: it pumps frames between a
// connection and the hub, one reader and one writer goroutine per client.
package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/hub"
	"github.com/parley-chat/parley/registry"
)

const (
	maxMessageSize = 4096
	pongWait       = 2 * time.Minute
	pingPeriod     = time.Minute
	writeWait      = 10 * time.Second
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *hub.Hub
	conn    *websocket.Conn
	session *registry.Session
}

func NewClient(h *hub.Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		session: h.Connect(),
	}
}

func (c *Client) Session() *registry.Session { return c.session }

// Run pumps the connection until it closes, then runs the hub's departure
// transitions. The write loop is its own goroutine; reads stay on the caller.
func (c *Client) Run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.hub.Disconnect(ctx, c.session)
}

// readLoop pumps messages from the websocket connection to the hub.
//
// The application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine. Dispatch is synchronous, so the
// events of this session are handled in send order.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.session.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "session", c.session.Id, "error", err)
			}
			return
		}
		c.hub.Dispatch(ctx, c.session, raw)
	}
}

// writeLoop pumps messages from the session's outbound queue to the websocket
// connection. At most one writer per connection.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.session.Closed():
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return

		case message := <-c.session.Outbound():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
