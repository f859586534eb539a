/*
Package gateway defines the backend-agnostic realtime boundary and its two
interchangeable adapters.

This file implements the websocket adapter. It speaks the frame protocol in
wire.go against the snapshot hub: intents go out as typed frames, and the
hub pushes full collection snapshots back. Presence and typing expiry on
abrupt disconnect is the hub's side of the contract; tearing down the
connection is all this adapter has to do.
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/sanitize"
)

const wsWriteWait = 10 * time.Second

// WebsocketGateway connects to the chatkat hub over a single websocket.
// The value owns its connection handle and subscription registries; there
// is no module-level channel state.
type WebsocketGateway struct {
	serverURL  string
	httpClient *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  chan struct{}
	profile user.Profile

	messageSubs  subscribers[[]user.Message]
	presenceSubs subscribers[[]user.OnlineUser]
	typingSubs   subscribers[[]user.TypingUser]

	logger zerolog.Logger
}

// NewWebsocketGateway constructs a disconnected adapter for the hub at
// serverURL (http or https base URL).
func NewWebsocketGateway(serverURL string) *WebsocketGateway {
	gwLogger := logx.Logger().With().Str("component", "WebsocketGateway").Logger()

	return &WebsocketGateway{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     gwLogger,
	}
}

// wsURL derives the websocket endpoint from the configured base URL.
func (g *WebsocketGateway) wsURL(profile user.Profile) string {
	endpoint := g.serverURL
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	query := url.Values{}
	query.Set("session", profile.SessionID)
	query.Set("name", profile.Name)
	if profile.AvatarURL != "" {
		query.Set("avatar", profile.AvatarURL)
	}

	return endpoint + "/ws?" + query.Encode()
}

// Connect dials the hub and starts the snapshot read loop. The hub
// registers presence for the session as part of the handshake.
func (g *WebsocketGateway) Connect(ctx context.Context, profile user.Profile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		return nil
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, g.wsURL(profile), nil)
	if err != nil {
		g.logger.Error().Err(err).Str("server_url", g.serverURL).Msg("Failed to dial hub.")
		return errs.NewError(errs.ErrConnectionFailed)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	g.conn = conn
	g.profile = profile
	g.closed = make(chan struct{})

	go g.readLoop(conn, g.closed)

	g.logger.Info().Str("session_id", profile.SessionID).Msg("Connected to hub.")
	return nil
}

// readLoop decodes snapshot frames until the connection dies, then marks
// the adapter disconnected. Late frames after Disconnect are dropped by the
// closed channel guard, never a crash.
func (g *WebsocketGateway) readLoop(conn *websocket.Conn, closed chan struct{}) {
	defer func() {
		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-closed:
			default:
				g.logger.Warn().Err(err).Msg("Hub connection read failed.")
			}
			return
		}

		select {
		case <-closed:
			return
		default:
		}

		g.dispatchFrame(frame)
	}
}

// dispatchFrame decodes one snapshot frame and fans it out.
func (g *WebsocketGateway) dispatchFrame(frame Frame) {
	switch frame.Type {
	case FrameMessages:
		var messages []user.Message
		if err := json.Unmarshal(frame.Payload, &messages); err != nil {
			g.logger.Warn().Err(err).Msg("Hub sent invalid messages snapshot.")
			return
		}
		g.messageSubs.dispatch(messages)

	case FramePresence:
		var users []user.OnlineUser
		if err := json.Unmarshal(frame.Payload, &users); err != nil {
			g.logger.Warn().Err(err).Msg("Hub sent invalid presence snapshot.")
			return
		}
		g.presenceSubs.dispatch(users)

	case FrameTyping:
		var users []user.TypingUser
		if err := json.Unmarshal(frame.Payload, &users); err != nil {
			g.logger.Warn().Err(err).Msg("Hub sent invalid typing snapshot.")
			return
		}
		g.typingSubs.dispatch(users)

	default:
		g.logger.Warn().Str("frame_type", string(frame.Type)).Msg("Hub sent unsupported frame type.")
	}
}

// SubscribeMessages registers a message snapshot callback.
func (g *WebsocketGateway) SubscribeMessages(fn func([]user.Message)) UnsubscribeFunc {
	return g.messageSubs.add(fn)
}

// SubscribePresence registers a presence snapshot callback.
func (g *WebsocketGateway) SubscribePresence(fn func([]user.OnlineUser)) UnsubscribeFunc {
	return g.presenceSubs.add(fn)
}

// SubscribeTyping registers a typing snapshot callback.
func (g *WebsocketGateway) SubscribeTyping(fn func([]user.TypingUser)) UnsubscribeFunc {
	return g.typingSubs.add(fn)
}

// writeFrame sends one frame under the write lock (gorilla permits a single
// concurrent writer).
func (g *WebsocketGateway) writeFrame(frameType FrameType, payload any) error {
	frame, err := NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return errs.NewError(errs.ErrNotConnected)
	}

	if err := g.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}

	return g.conn.WriteJSON(frame)
}

// PublishMessage sends a draft to the hub, which assigns id and timestamp.
func (g *WebsocketGateway) PublishMessage(ctx context.Context, draft user.Draft) error {
	if err := g.writeFrame(FramePublish, draft); err != nil {
		g.logger.Error().Err(err).Msg("Failed to publish message.")
		return errs.NewError(errs.ErrPublishFailed)
	}
	return nil
}

// SetTyping upserts or removes this session's typing marker on the hub.
func (g *WebsocketGateway) SetTyping(ctx context.Context, profile user.Profile, isTyping bool) error {
	payload := SetTypingPayload{Name: profile.Name, IsTyping: isTyping}
	if err := g.writeFrame(FrameSetTyping, payload); err != nil {
		return err
	}
	return nil
}

// SetPresence refreshes this session's online marker on the hub.
func (g *WebsocketGateway) SetPresence(ctx context.Context, profile user.Profile) error {
	payload := SetPresencePayload{Name: profile.Name, AvatarURL: profile.AvatarURL}
	if err := g.writeFrame(FrameSetPresence, payload); err != nil {
		return err
	}
	return nil
}

// uploadResponse is the hub's JSON envelope for /api/upload.
type uploadResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
}

// UploadImage sends the image to the hub's multipart upload endpoint and
// returns the public URL the hub stored it under.
func (g *WebsocketGateway) UploadImage(ctx context.Context, data []byte, fileName string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", sanitize.FileName(fileName))
	if err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}
	if _, err := part.Write(data); err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}
	if err := writer.Close(); err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.serverURL+"/api/upload", &body)
	if err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Error().Err(err).Msg("Upload request failed.")
		return "", errs.NewError(errs.ErrUploadFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}

	var envelope uploadResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		g.logger.Error().Err(err).Int("http_status", resp.StatusCode).Msg("Upload response was not valid JSON.")
		return "", errs.NewError(errs.ErrUploadFailed)
	}

	if envelope.Code != 0 || envelope.Data.URL == "" {
		g.logger.Warn().
			Int("code", envelope.Code).
			Str("message", envelope.Message).
			Msg("Hub rejected upload.")
		return "", errs.NewError(errs.ErrUploadFailed)
	}

	return envelope.Data.URL, nil
}

// Disconnect closes the connection and releases the read loop. Idempotent.
func (g *WebsocketGateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn == nil {
		return nil
	}

	select {
	case <-g.closed:
	default:
		close(g.closed)
	}

	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	g.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := g.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to send close frame.")
	}

	err := g.conn.Close()
	g.conn = nil

	if err != nil {
		return fmt.Errorf("failed to close hub connection: %w", err)
	}
	return nil
}
