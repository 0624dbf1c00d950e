package control

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Websocket keep-alive constants, the same shape as the Account
// Channel's (both endpoints use gorilla/websocket's readPump/
// writePump/ping-pong pattern per SPEC_FULL.md's dependency table).
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	changeBuffer   = 256
)

// client is one connected browser session: a websocket connection, a
// subscription to the observable tree, and the command handlers it
// may invoke. Every client gets its own session id so concurrent
// browser tabs hitting the same surface can be told apart in logs.
type client struct {
	id      string
	surface *Surface
	conn    *websocket.Conn
	changes chan Change
	log     *zap.SugaredLogger
}

func newClient(s *Surface, conn *websocket.Conn) *client {
	id := uuid.New().String()
	return &client{
		id:      id,
		surface: s,
		conn:    conn,
		changes: s.tree.Subscribe(changeBuffer),
		log:     s.log.With("session", id),
	}
}

// serve runs the client's read and write loops until the connection
// closes, sending the full tree snapshot first (spec.md section 4.6:
// "On connect it sends the full observable app tree").
func (c *client) serve() {
	defer func() {
		c.surface.tree.Unsubscribe(c.changes)
		c.conn.Close()
	}()

	snapshot, err := c.surface.tree.SnapshotJSON()
	if err != nil {
		c.log.Warnw("failed to marshal initial snapshot", "error", err)
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
		return
	}

	done := make(chan struct{})
	go c.readLoop(done)
	c.writeLoop(done)
}

func (c *client) readLoop(done chan struct{}) {
	defer close(done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.log.Warnw("discarding malformed control command", "error", err)
			continue
		}
		c.surface.handlers.Dispatch(cmd, c.log)
	}
}

func (c *client) writeLoop(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case change, ok := <-c.changes:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(change); err != nil {
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
