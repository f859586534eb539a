/*
Package chat contains the client-side state coordinator that reconciles the
realtime streams into consistent chat state.

This file defines the Coordinator, which composes the identity store and a
realtime gateway: it owns connection status, the message/presence/typing
snapshots, the pending reply target, and the typing debounce timer, and it
re-sanitizes every inbound snapshot before it reaches state. No raw backend
error escapes past this boundary.
*/
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/identity"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/sanitize"
)

// Status is the coordinator's connection state.
type Status string

const (
	// StatusConnecting is the initial state, before the gateway is up.
	StatusConnecting Status = "connecting"

	// StatusConnected means subscriptions are live.
	StatusConnected Status = "connected"

	// StatusError is terminal until an explicit Reconnect.
	StatusError Status = "error"
)

const (
	// MaxMessageLength is the hard cap on message text, in characters.
	MaxMessageLength = 5000

	// MaxUploadMB and MaxUploadBytes cap image uploads.
	MaxUploadMB    = 5
	MaxUploadBytes = MaxUploadMB * 1024 * 1024

	// defaultTypingIdle is the quiescent period after which a typing
	// marker is withdrawn automatically.
	defaultTypingIdle = 2 * time.Second

	// opTimeout bounds publishes, marker updates, and uploads.
	opTimeout = 10 * time.Second
)

// allowedUploadMIMEs is the upload allow-list, checked before any network call.
var allowedUploadMIMEs = map[string]struct{}{
	"image/jpeg": {},
	"image/jpg":  {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// Coordinator owns the reactive chat state and exposes the imperative
// actions the presentation layer calls.
type Coordinator struct {
	gw    gateway.Gateway
	store *identity.Store

	mu       sync.Mutex
	status   Status
	closed   bool
	profile  user.Profile
	messages []user.Message
	online   []user.OnlineUser
	typing   []user.TypingUser
	replyTo  *user.ReplyRef

	typingActive bool
	typingTimer  *time.Timer
	typingIdle   time.Duration

	unsubscribes []gateway.UnsubscribeFunc

	// notify coalesces state-change signals for the UI.
	notify chan struct{}

	// onError receives transient failures (publish, typing) that have no
	// caller to return to.
	onError func(*errs.CustomError)
}

// NewCoordinator builds a coordinator in the connecting state.
func NewCoordinator(gw gateway.Gateway, store *identity.Store) *Coordinator {
	return &Coordinator{
		gw:         gw,
		store:      store,
		status:     StatusConnecting,
		typingIdle: defaultTypingIdle,
		notify:     make(chan struct{}, 1),
	}
}

// SetErrorHandler installs the hook receiving transient errors. Must be set
// before Connect; a nil handler falls back to logging.
func (c *Coordinator) SetErrorHandler(fn func(*errs.CustomError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Connect loads (or creates) the identity and brings up the gateway with
// all three subscriptions. Any failure lands in the error status; recovery
// is an explicit Reconnect, never automatic.
func (c *Coordinator) Connect(ctx context.Context) error {
	profile, err := c.store.EnsureProfile()
	if err != nil {
		logx.Error(err, "Failed to load identity")
		c.setStatus(StatusError)
		return errs.NewError(errs.ErrConnectionFailed)
	}

	c.mu.Lock()
	c.profile = *profile
	c.mu.Unlock()

	// Subscriptions must be live before the gateway connects: adapters
	// deliver the initial snapshots during Connect, and a callback
	// registered afterwards would miss them.
	unsubMessages := c.gw.SubscribeMessages(c.applyMessages)
	unsubPresence := c.gw.SubscribePresence(c.applyPresence)
	unsubTyping := c.gw.SubscribeTyping(c.applyTyping)

	c.mu.Lock()
	c.unsubscribes = append(c.unsubscribes, unsubMessages, unsubPresence, unsubTyping)
	c.mu.Unlock()

	if err := c.gw.Connect(ctx, *profile); err != nil {
		c.teardownSubscriptions()
		c.setStatus(StatusError)
		return errs.NewError(errs.ErrConnectionFailed)
	}

	if err := c.gw.SetPresence(ctx, *profile); err != nil {
		logx.Warn("Initial presence refresh failed", "error", err)
	}

	c.setStatus(StatusConnected)
	return nil
}

// Reconnect tears the gateway down and re-runs the full initialization.
// This is the only way out of the error status.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.teardownSubscriptions()

	if err := c.gw.Disconnect(); err != nil {
		logx.Warn("Disconnect before reconnect failed", "error", err)
	}

	c.setStatus(StatusConnecting)
	return c.Connect(ctx)
}

// applyMessages replaces the message snapshot after re-sanitizing every
// entry. The backend's stored data is never trusted to already be clean:
// other clients or direct writes could have injected unsafe values.
func (c *Coordinator) applyMessages(snapshot []user.Message) {
	clean := make([]user.Message, 0, len(snapshot))
	for _, m := range snapshot {
		m.Sender.Name = sanitize.Name(m.Sender.Name)
		m.Sender.AvatarURL = sanitize.ProfilePicURL(m.Sender.AvatarURL)
		m.Text = truncate(m.Text, MaxMessageLength)

		if m.ReplyTo != nil {
			reply := *m.ReplyTo
			reply.Sender.Name = sanitize.Name(reply.Sender.Name)
			reply.Sender.AvatarURL = sanitize.ProfilePicURL(reply.Sender.AvatarURL)
			reply.Text = truncate(reply.Text, MaxMessageLength)
			m.ReplyTo = &reply
		}

		clean = append(clean, m)
	}

	c.mu.Lock()
	c.messages = clean
	c.mu.Unlock()

	c.signalChange()
}

// applyPresence replaces the online-users snapshot.
func (c *Coordinator) applyPresence(snapshot []user.OnlineUser) {
	clean := make([]user.OnlineUser, 0, len(snapshot))
	for _, u := range snapshot {
		if u.SessionID == "" {
			continue
		}
		u.Name = sanitize.Name(u.Name)
		clean = append(clean, u)
	}

	c.mu.Lock()
	c.online = clean
	c.mu.Unlock()

	c.signalChange()
}

// applyTyping replaces the typing snapshot, always excluding this session:
// the local user never sees their own typing indicator, even if the backend
// echoes it back.
func (c *Coordinator) applyTyping(snapshot []user.TypingUser) {
	c.mu.Lock()
	ownSessionID := c.profile.SessionID
	c.mu.Unlock()

	clean := make([]user.TypingUser, 0, len(snapshot))
	for _, u := range snapshot {
		if u.SessionID == "" || u.SessionID == ownSessionID {
			continue
		}
		u.Name = sanitize.Name(u.Name)
		clean = append(clean, u)
	}

	c.mu.Lock()
	c.typing = clean
	c.mu.Unlock()

	c.signalChange()
}

// SendMessage validates and publishes message text. Empty input is a
// silent no-op; over-long input is rejected. The pending reply target is
// attached as an immutable snapshot and cleared immediately: the publish is
// optimistic and does not wait for the server echo.
func (c *Coordinator) SendMessage(text string) *errs.CustomError {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if len([]rune(trimmed)) > MaxMessageLength {
		return errs.NewError(errs.ErrMessageContentTooLong)
	}

	c.mu.Lock()
	if c.closed || c.status != StatusConnected {
		c.mu.Unlock()
		return errs.NewError(errs.ErrNotConnected)
	}

	draft := user.Draft{
		Text:      trimmed,
		Sender:    user.Sender{Name: c.profile.Name, AvatarURL: c.profile.AvatarURL},
		SessionID: c.profile.SessionID,
		ReplyTo:   c.replyTo,
	}
	c.replyTo = nil
	c.mu.Unlock()

	c.signalChange()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		if err := c.gw.PublishMessage(ctx, draft); err != nil {
			logx.Error(err, "Message publish failed")
			c.reportError(errs.NewError(errs.ErrPublishFailed))
		}
	}()

	return nil
}

// UploadAndSendMessage validates the image locally, uploads it, and sends
// the resulting URL as message text. Validation failures happen before any
// network call.
func (c *Coordinator) UploadAndSendMessage(ctx context.Context, data []byte, fileName string, mimeType string) *errs.CustomError {
	if len(data) == 0 {
		return errs.NewError(errs.ErrInvalidParams)
	}

	if _, ok := allowedUploadMIMEs[strings.ToLower(mimeType)]; !ok {
		return errs.NewError(errs.ErrFileTypeInvalid)
	}

	if len(data) > MaxUploadBytes {
		return errs.NewError(errs.ErrFileSizeTooLarge, MaxUploadMB)
	}

	url, err := c.gw.UploadImage(ctx, data, sanitize.FileName(fileName))
	if err != nil {
		logx.Error(err, "Image upload failed", "file_name", fileName)
		return errs.NewError(errs.ErrUploadFailed)
	}

	return c.SendMessage(url)
}

// SetTyping manages the debounced typing marker. A typing-start publishes
// {true} once per quiescent period; every call while typing resets the idle
// timer, which publishes {false} after the idle window. At most one live
// timer exists per session.
func (c *Coordinator) SetTyping(isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.status != StatusConnected {
		return
	}

	if !isTyping {
		c.stopTypingLocked(true)
		return
	}

	if !c.typingActive {
		c.typingActive = true
		c.publishTypingLocked(true)
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingIdle, c.typingIdleExpired)
}

// typingIdleExpired withdraws the marker after the quiescent period.
func (c *Coordinator) typingIdleExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTypingLocked(true)
}

// stopTypingLocked cancels the idle timer and, when a marker is active,
// publishes its withdrawal. Callers hold c.mu.
func (c *Coordinator) stopTypingLocked(publish bool) {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}

	if !c.typingActive {
		return
	}
	c.typingActive = false

	if publish {
		c.publishTypingLocked(false)
	}
}

// publishTypingLocked pushes the marker synchronously so true/false updates
// cannot reorder. Callers hold c.mu; the gateway takes no lock that can
// reach back into the coordinator.
func (c *Coordinator) publishTypingLocked(isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := c.gw.SetTyping(ctx, c.profile, isTyping); err != nil {
		logx.Warn("Typing marker update failed", "error", err, "is_typing", isTyping)
	}
}

// SaveUserProfile sanitizes and persists a new display identity, then
// refreshes presence, or establishes the connection if none is up yet.
func (c *Coordinator) SaveUserProfile(ctx context.Context, name, avatarURL string) (*user.Profile, *errs.CustomError) {
	saved, saveErr := c.store.Save(name, avatarURL)
	if saveErr != nil {
		return nil, saveErr
	}

	c.mu.Lock()
	c.profile = *saved
	connected := c.status == StatusConnected
	c.mu.Unlock()

	c.signalChange()

	if !connected {
		if err := c.Connect(ctx); err != nil {
			return saved, errs.NewError(errs.ErrConnectionFailed)
		}
		return saved, nil
	}

	if err := c.gw.SetPresence(ctx, *saved); err != nil {
		logx.Warn("Presence refresh after profile save failed", "error", err)
	}

	return saved, nil
}

// SetReplyTo captures an immutable reply snapshot of the given message.
func (c *Coordinator) SetReplyTo(messageID string) *errs.CustomError {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range c.messages {
		if m.ID == messageID {
			c.replyTo = &user.ReplyRef{ID: m.ID, Text: m.Text, Sender: m.Sender}
			return nil
		}
	}

	return errs.NewError(errs.ErrInvalidParams)
}

// ClearReply drops the pending reply target.
func (c *Coordinator) ClearReply() {
	c.mu.Lock()
	c.replyTo = nil
	c.mu.Unlock()

	c.signalChange()
}

// Close cancels the typing timer, releases the subscriptions, and
// disconnects the gateway. Idempotent; late subscription callbacks after
// Close are harmless no-ops.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	c.stopTypingLocked(false)

	unsubs := c.unsubscribes
	c.unsubscribes = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	return c.gw.Disconnect()
}

// teardownSubscriptions releases the current subscriptions without closing.
func (c *Coordinator) teardownSubscriptions() {
	c.mu.Lock()
	unsubs := c.unsubscribes
	c.unsubscribes = nil
	c.stopTypingLocked(false)
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Status returns the current connection status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Profile returns the current identity.
func (c *Coordinator) Profile() user.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Messages returns a copy of the current message snapshot.
func (c *Coordinator) Messages() []user.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]user.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// OnlineUsers returns a copy of the current presence snapshot.
func (c *Coordinator) OnlineUsers() []user.OnlineUser {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]user.OnlineUser, len(c.online))
	copy(out, c.online)
	return out
}

// TypingUsers returns a copy of the current typing snapshot, which never
// contains this session.
func (c *Coordinator) TypingUsers() []user.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]user.TypingUser, len(c.typing))
	copy(out, c.typing)
	return out
}

// ReplyTarget returns the pending reply snapshot, or nil.
func (c *Coordinator) ReplyTarget() *user.ReplyRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.replyTo == nil {
		return nil
	}
	reply := *c.replyTo
	return &reply
}

// Changes returns a channel that receives a coalesced signal whenever
// state changes.
func (c *Coordinator) Changes() <-chan struct{} {
	return c.notify
}

func (c *Coordinator) setStatus(status Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.signalChange()
}

func (c *Coordinator) signalChange() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Coordinator) reportError(customErr *errs.CustomError) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()

	if handler != nil {
		handler(customErr)
		return
	}

	logx.Warn("Unhandled transient error", "code", customErr.Code, "message", customErr.Message)
}

// truncate caps s at limit characters.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
