package account

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foldlattice/agent/internal/identity"
)

// BroadcastHandler processes a verified broadcast payload from the
// account node, e.g. a link-removal or config-push notice.
type BroadcastHandler func(payload json.RawMessage)

// OnBroadcast installs the handler invoked for each verified
// BroadcastFrame; nil by default (broadcasts are logged and dropped).
func (c *Channel) OnBroadcast(h BroadcastHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBroadcast = h
}

// pump runs the read loop and ping ticker for one websocket connection,
// grounded on the teacher's readPump/writePump split: a read goroutine
// that drives the connection's lifetime, and a ticker-driven pinger
// sharing the write-side lock with Send/Deliver.
func (c *Channel) pump(conn *websocket.Conn, sess *Session, clientID string) {
	go c.pingLoop(conn)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Debugw("account channel read loop exiting", "error", err)
			c.handleDisconnect(conn)
			return
		}
		c.handleFrame(raw, sess)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Channel) handleFrame(raw []byte, sess *Session) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.log.Warnw("discarding malformed account frame", "error", err)
		return
	}

	switch envelope.Type {
	case "broadcast":
		c.handleBroadcast(raw)
	default:
		c.log.Debugw("unhandled account frame type", "type", envelope.Type)
	}
	_ = sess // reserved for inbound encrypted session frames, not yet part of the protocol
}

func (c *Channel) handleBroadcast(raw []byte) {
	var frame struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warnw("discarding malformed broadcast frame", "error", err)
		return
	}

	c.mu.Lock()
	info := c.info
	handler := c.onBroadcast
	c.mu.Unlock()

	if info == nil {
		c.log.Warnw("discarding broadcast received before node info is known")
		return
	}
	if err := identity.Verify(info.PubKey, frame.Payload, frame.Signature); err != nil {
		c.log.Warnw("discarding broadcast with invalid signature", "error", err)
		return
	}
	if handler != nil {
		handler(frame.Payload)
	}
}

// handleDisconnect tears down the connection, session and remotes and
// falls back to CONNECT, keeping the known node info, so the next Step
// call dials the node again with a fresh session.
func (c *Channel) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return // already superseded by a newer connection
	}
	c.closeConnLocked()
	c.state = StateConnect
}
