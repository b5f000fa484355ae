package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/coder/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// client is one websocket connection. identity is the bearer token the socket was
// opened with; register may only claim that id. userID is empty until register and
// only the hub goroutine reads or writes it.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	identity string
	userID   string
}

// inbound is a frame read from a client, queued for the hub.
type inbound struct {
	client *client
	data   []byte
}

// readPump forwards frames to the hub until the connection fails.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.leave(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				c.hub.logger.Debug("WebSocket closed")
			} else {
				c.hub.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		if !c.hub.enqueue(inbound{client: c, data: data}) {
			return
		}
	}
}

// writePump drains the send channel until the hub closes it.
func (c *client) writePump() {
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			c.hub.logger.Warn("WebSocket write error", "error", err)
			return
		}
	}
}
