/*
Package hub implements the bundled snapshot server: a single shared room
whose clients connect over websockets and receive full collection snapshots
on every change.

This file defines the Hub struct and its event loop. The hub is the sole
writer of message ids and timestamps, keys connections by session id with
replacement semantics, derives presence from the live connections, and
rebroadcasts the affected full snapshot after every mutation. Presence and
typing markers vanish the moment their connection does, so a crashed client
cannot leave stale state behind.
*/
package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/pkg/randx"
	"chatkat/internal/sanitize"
)

const intentChannelBuffer = 1024

// maxTextRunes is the hard cap on message text enforced server-side.
const maxTextRunes = 5000

// intent is one decoded client frame awaiting the hub loop.
type intent struct {
	client *Client
	frame  gateway.Frame
}

// Hub is the single shared room. All state mutation happens on the Run
// goroutine; the mutex only guards the clients map for concurrent reads.
type Hub struct {
	room    string
	history *History

	// clients maps session id to the live connection. A second connection
	// for the same session replaces the first.
	clients map[string]*Client

	// typing maps session id to its typing marker.
	typing map[string]user.TypingUser

	// messages is the in-memory window, mirrored in history.
	messages []user.Message

	register   chan *Client
	unregister chan *Client
	intents    chan intent

	stopChan chan struct{}
	doneChan chan struct{}

	mu sync.RWMutex

	logger zerolog.Logger
}

// NewHub creates a hub for the given room, restoring the persisted message
// window. A nil history keeps everything in memory only.
func NewHub(room string, history *History) *Hub {
	hubLogger := logx.Logger().With().
		Str("room", room).
		Logger()

	h := &Hub{
		room:       room,
		history:    history,
		clients:    make(map[string]*Client),
		typing:     make(map[string]user.TypingUser),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		intents:    make(chan intent, intentChannelBuffer),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		logger:     hubLogger,
	}

	if history != nil {
		window, err := history.LoadWindow()
		if err != nil {
			hubLogger.Error().Err(err).Msg("Failed to restore message history. Starting empty.")
		} else {
			h.messages = window
			hubLogger.Info().Int("restored", len(window)).Msg("Restored message window from history.")
		}
	}

	return h
}

// RegisterClient queues a freshly upgraded connection for registration.
func (h *Hub) RegisterClient(client *Client) {
	select {
	case h.register <- client:
	case <-h.stopChan:
		client.Kick("Server shutting down.")
	}
}

// submit queues a decoded client frame for the hub loop.
func (h *Hub) submit(in intent) {
	select {
	case h.intents <- in:
	default:
		h.logger.Warn().
			Str("session_id", in.client.profile.SessionID).
			Msg("Intent channel full, dropping frame.")
	}
}

// Shutdown stops the Run loop and waits for it to finish.
func (h *Hub) Shutdown() {
	select {
	case <-h.stopChan:
	default:
		close(h.stopChan)
	}
	<-h.doneChan
}

// OnlineCount reports the number of connected sessions.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run is the hub's event loop. It owns all state transitions.
func (h *Hub) Run() {
	defer func() {
		h.mu.Lock()
		for _, client := range h.clients {
			client.closeSend()
		}
		h.clients = make(map[string]*Client)
		h.mu.Unlock()

		h.logger.Info().Msg("Hub loop finished.")
		close(h.doneChan)
	}()

	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case in := <-h.intents:
			h.handleIntent(in)

		case <-h.stopChan:
			h.logger.Info().Msg("Hub stop initiated.")
			return
		}
	}
}

// handleRegister admits a connection, replacing any live connection for the
// same session, seeds it with all three snapshots, and announces the new
// presence set.
func (h *Hub) handleRegister(client *Client) {
	sessionID := client.profile.SessionID

	h.mu.Lock()
	if existing, ok := h.clients[sessionID]; ok {
		h.logger.Warn().
			Str("session_id", sessionID).
			Msg("Session already connected. Closing old connection for replacement.")

		existing.Kick("Session replaced by new connection.")
	}
	h.clients[sessionID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().
		Str("session_id", sessionID).
		Int("total_sessions", total).
		Msg("Client joined.")

	h.sendSnapshot(client, gateway.FrameMessages, h.messages)
	h.sendSnapshot(client, gateway.FrameTyping, h.typingSnapshot())

	h.broadcastPresence()
}

// handleUnregister drops a connection, ignoring stale unregisters from a
// replaced connection, and withdraws its presence and typing markers.
func (h *Hub) handleUnregister(client *Client) {
	sessionID := client.profile.SessionID

	h.mu.Lock()
	current, ok := h.clients[sessionID]
	if !ok || current != client {
		h.mu.Unlock()
		if ok {
			h.logger.Info().Str("session_id", sessionID).Msg("Ignoring unregister for stale connection.")
		}
		return
	}

	delete(h.clients, sessionID)
	total := len(h.clients)
	h.mu.Unlock()

	client.closeSend()

	// A hub-initiated eviction (a stalled connection) must not leave the
	// pumps alive on heartbeats; closing the connection unblocks both.
	// For read-pump disconnects the connection is already closed.
	_ = client.conn.Close()

	h.logger.Info().
		Str("session_id", sessionID).
		Int("total_sessions", total).
		Msg("Client left.")

	_, wasTyping := h.typing[sessionID]
	delete(h.typing, sessionID)

	h.broadcastPresence()
	if wasTyping {
		h.broadcastTyping()
	}
}

// handleIntent dispatches one decoded client frame.
func (h *Hub) handleIntent(in intent) {
	switch in.frame.Type {
	case gateway.FramePublish:
		h.handlePublish(in.client, in.frame.Payload)

	case gateway.FrameSetTyping:
		h.handleSetTyping(in.client, in.frame.Payload)

	case gateway.FrameSetPresence:
		h.handleSetPresence(in.client, in.frame.Payload)
	}
}

// handlePublish validates a draft, assigns id and timestamp, appends it to
// the window, persists it, and rebroadcasts the message snapshot. The
// session id always comes from the connection, never from the payload.
func (h *Hub) handlePublish(client *Client, payload json.RawMessage) {
	var draft user.Draft
	if err := json.Unmarshal(payload, &draft); err != nil {
		client.logger.Warn().Err(err).Msg("Client sent invalid publish payload")
		return
	}

	text := truncateRunes(strings.TrimSpace(draft.Text), maxTextRunes)
	if text == "" {
		return
	}

	message := user.Message{
		ID:        randx.MessageID(),
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Sender: user.Sender{
			Name:      sanitize.Name(draft.Sender.Name),
			AvatarURL: sanitize.ProfilePicURL(draft.Sender.AvatarURL),
		},
		SessionID: client.profile.SessionID,
	}

	if draft.ReplyTo != nil {
		message.ReplyTo = &user.ReplyRef{
			ID:   draft.ReplyTo.ID,
			Text: truncateRunes(draft.ReplyTo.Text, maxTextRunes),
			Sender: user.Sender{
				Name:      sanitize.Name(draft.ReplyTo.Sender.Name),
				AvatarURL: sanitize.ProfilePicURL(draft.ReplyTo.Sender.AvatarURL),
			},
		}
	}

	h.messages = append(h.messages, message)
	if len(h.messages) > gateway.MessageWindow {
		h.messages = h.messages[len(h.messages)-gateway.MessageWindow:]
	}

	if h.history != nil {
		if err := h.history.Append(message); err != nil {
			h.logger.Error().Err(err).Str("message_id", message.ID).Msg("Failed to persist message.")
		}
	}

	h.broadcastMessages()
}

// handleSetTyping upserts or removes the session's typing marker.
func (h *Hub) handleSetTyping(client *Client, payload json.RawMessage) {
	var typingPayload gateway.SetTypingPayload
	if err := json.Unmarshal(payload, &typingPayload); err != nil {
		client.logger.Warn().Err(err).Msg("Client sent invalid set_typing payload")
		return
	}

	sessionID := client.profile.SessionID

	if typingPayload.IsTyping {
		h.typing[sessionID] = user.TypingUser{
			SessionID: sessionID,
			Name:      sanitize.Name(typingPayload.Name),
		}
	} else {
		if _, ok := h.typing[sessionID]; !ok {
			return
		}
		delete(h.typing, sessionID)
	}

	h.broadcastTyping()
}

// handleSetPresence refreshes the session's display identity.
func (h *Hub) handleSetPresence(client *Client, payload json.RawMessage) {
	var presencePayload gateway.SetPresencePayload
	if err := json.Unmarshal(payload, &presencePayload); err != nil {
		client.logger.Warn().Err(err).Msg("Client sent invalid set_presence payload")
		return
	}

	client.profile.Name = sanitize.Name(presencePayload.Name)
	client.profile.AvatarURL = sanitize.ProfilePicURL(presencePayload.AvatarURL)

	h.broadcastPresence()
}

// typingSnapshot collects the current typing markers.
func (h *Hub) typingSnapshot() []user.TypingUser {
	out := make([]user.TypingUser, 0, len(h.typing))
	for _, t := range h.typing {
		out = append(out, t)
	}
	return out
}

// presenceSnapshot derives the online set from the live connections.
func (h *Hub) presenceSnapshot() []user.OnlineUser {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]user.OnlineUser, 0, len(h.clients))
	for _, client := range h.clients {
		out = append(out, user.OnlineUser{
			SessionID: client.profile.SessionID,
			Name:      client.profile.Name,
		})
	}
	return out
}

// broadcastMessages pushes the message snapshot to every connection.
func (h *Hub) broadcastMessages() {
	h.broadcast(gateway.FrameMessages, h.messages)
}

// broadcastPresence pushes the derived presence snapshot to every connection.
func (h *Hub) broadcastPresence() {
	h.broadcast(gateway.FramePresence, h.presenceSnapshot())
}

// broadcastTyping pushes the typing snapshot to every connection.
func (h *Hub) broadcastTyping() {
	h.broadcast(gateway.FrameTyping, h.typingSnapshot())
}

// broadcast encodes one snapshot frame and queues it on every connection.
// Connections that stopped draining are unregistered.
func (h *Hub) broadcast(frameType gateway.FrameType, snapshot any) {
	frame, err := gateway.NewFrame(frameType, snapshot)
	if err != nil {
		h.logger.Error().Err(err).Str("frame_type", string(frameType)).Msg("Failed to build snapshot frame.")
		return
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("frame_type", string(frameType)).Msg("Failed to encode snapshot frame.")
		return
	}

	h.mu.RLock()
	stalled := make([]*Client, 0)
	for _, client := range h.clients {
		if !client.queueFrame(frameBytes) {
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		select {
		case h.unregister <- client:
		default:
			h.logger.Warn().Msg("Unregister channel full, skipping stalled client cleanup.")
		}
	}
}

// sendSnapshot seeds a single connection with one snapshot frame.
func (h *Hub) sendSnapshot(client *Client, frameType gateway.FrameType, snapshot any) {
	frame, err := gateway.NewFrame(frameType, snapshot)
	if err != nil {
		h.logger.Error().Err(err).Str("frame_type", string(frameType)).Msg("Failed to build seed frame.")
		return
	}

	frameBytes, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("frame_type", string(frameType)).Msg("Failed to encode seed frame.")
		return
	}

	client.queueFrame(frameBytes)
}

// truncateRunes trims text and caps it at limit characters.
func truncateRunes(text string, limit int) string {
	trimmed := []rune(text)
	if len(trimmed) > limit {
		trimmed = trimmed[:limit]
	}
	return string(trimmed)
}
