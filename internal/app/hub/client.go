/*
Package hub implements the bundled snapshot server: a single shared room
whose clients connect over websockets and receive full collection snapshots
on every change.

This file defines the Client struct, representing one active websocket
connection and its session. It runs the read and write pumps and forwards
decoded intent frames to the hub loop.
*/
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the websocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 32768

	// WsCloseCodeSessionKicked is a custom websocket close code (4000-4999
	// range) signaling that the session was replaced by a new connection.
	WsCloseCodeSessionKicked = 4001
)

// Client represents an active websocket connection and its session identity.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// profile holds the session identity. The hub loop is the only writer
	// after registration (set_presence updates).
	profile user.Profile

	// send queues outbound snapshot frames. closeOnce guards its close:
	// the queue may still hold frames when the client is torn down.
	send      chan []byte
	closeOnce sync.Once

	logger zerolog.Logger
}

// NewClient constructs a Client for a freshly upgraded connection.
func NewClient(h *Hub, wsConn *websocket.Conn, profile user.Profile) *Client {
	clientLogger := logx.Logger().With().
		Str("session_id", profile.SessionID).
		Logger()

	return &Client{
		hub:     h,
		conn:    wsConn,
		profile: profile,
		send:    make(chan []byte, 256),
		logger:  clientLogger,
	}
}

// ReadPump reads intent frames from the connection until it dies, keeping
// the pong heartbeat alive, and unregisters the session on exit.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxFrameSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frameBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			break
		}

		c.processInboundFrame(frameBytes)
	}
}

// cleanupOnDisconnect unregisters the session and closes the connection
// when the read pump terminates. This is where abrupt disconnects drop the
// session's presence and typing markers.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	select {
	case c.hub.unregister <- c:
	default:
		c.logger.Warn().Msg("Hub unregister channel blocked. Connection cleanup still proceeding.")
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Client connection close error")
	}
}

// processInboundFrame decodes one frame and forwards it to the hub loop.
func (c *Client) processInboundFrame(frameBytes []byte) {
	var frame gateway.Frame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		return
	}

	switch frame.Type {
	case gateway.FramePublish, gateway.FrameSetTyping, gateway.FrameSetPresence:
		c.hub.submit(intent{client: c, frame: frame})

	default:
		c.logger.Warn().Str("frame_type", string(frame.Type)).Msg("Client sent unsupported frame type")
	}
}

// WritePump drains the send channel to the connection and keeps the ping
// heartbeat going.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frameBytes, ok := <-c.send:
			if !c.writeQueuedFrame(frameBytes, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one queued frame. Returns false when the write
// pump should terminate.
func (c *Client) writeQueuedFrame(frameBytes []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Error().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		c.logger.Error().Err(err).Msg("Error writing frame")
		return false
	}

	return true
}

// writePingMessage sends a heartbeat ping. Returns false on write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// queueFrame enqueues an encoded frame without blocking the hub loop.
// A full queue means the client has stopped draining; the caller decides
// whether to unregister it.
func (c *Client) queueFrame(frameBytes []byte) bool {
	select {
	case c.send <- frameBytes:
		return true
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping frame")
		return false
	}
}

// Kick closes the connection with a custom close frame indicating the
// session was replaced by a newer connection.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Sending kick close frame and closing connection.")

	closeMessage := websocket.FormatCloseMessage(WsCloseCodeSessionKicked, reason)

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send kick close frame.")
	}

	c.closeSend()
}

// closeSend closes the send queue exactly once, regardless of how many
// frames are still queued. The write pump drains the remainder and then
// closes the connection.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}
