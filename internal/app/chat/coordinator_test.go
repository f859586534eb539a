package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/identity"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
)

// fakeGateway is an in-memory Gateway capturing every outbound call and
// letting tests push inbound snapshots through the registered callbacks.
type fakeGateway struct {
	mu sync.Mutex

	connected bool

	// seedOnConnect is dispatched during Connect, the way the Postgres
	// adapter pushes the initial snapshots before Connect returns.
	seedOnConnect []user.Message

	published  []user.Draft
	publishCh  chan user.Draft
	publishErr error

	typingCalls []bool
	uploads     []string
	uploadURL   string
	uploadErr   error

	presenceCalls int

	onMessages func([]user.Message)
	onPresence func([]user.OnlineUser)
	onTyping   func([]user.TypingUser)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		publishCh: make(chan user.Draft, 16),
		uploadURL: "https://files.example.com/room/pic.png",
	}
}

func (g *fakeGateway) Connect(_ context.Context, _ user.Profile) error {
	g.mu.Lock()
	g.connected = true
	seed := g.seedOnConnect
	fn := g.onMessages
	g.mu.Unlock()

	// A seed delivered to an unregistered callback is silently lost,
	// exactly as it would be on a real backend.
	if len(seed) > 0 && fn != nil {
		fn(seed)
	}
	return nil
}

func (g *fakeGateway) SubscribeMessages(fn func([]user.Message)) gateway.UnsubscribeFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onMessages = fn
	return func() {}
}

func (g *fakeGateway) SubscribePresence(fn func([]user.OnlineUser)) gateway.UnsubscribeFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPresence = fn
	return func() {}
}

func (g *fakeGateway) SubscribeTyping(fn func([]user.TypingUser)) gateway.UnsubscribeFunc {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTyping = fn
	return func() {}
}

func (g *fakeGateway) PublishMessage(_ context.Context, draft user.Draft) error {
	g.mu.Lock()
	err := g.publishErr
	if err == nil {
		g.published = append(g.published, draft)
	}
	g.mu.Unlock()

	if err != nil {
		return err
	}
	g.publishCh <- draft
	return nil
}

func (g *fakeGateway) UploadImage(_ context.Context, _ []byte, fileName string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.uploads = append(g.uploads, fileName)
	return g.uploadURL, nil
}

func (g *fakeGateway) SetTyping(_ context.Context, _ user.Profile, isTyping bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typingCalls = append(g.typingCalls, isTyping)
	return nil
}

func (g *fakeGateway) SetPresence(_ context.Context, _ user.Profile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.presenceCalls++
	return nil
}

func (g *fakeGateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

func (g *fakeGateway) typingSeen() []bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bool, len(g.typingCalls))
	copy(out, g.typingCalls)
	return out
}

func (g *fakeGateway) pushMessages(snapshot []user.Message) {
	g.mu.Lock()
	fn := g.onMessages
	g.mu.Unlock()
	fn(snapshot)
}

func (g *fakeGateway) pushTyping(snapshot []user.TypingUser) {
	g.mu.Lock()
	fn := g.onTyping
	g.mu.Unlock()
	fn(snapshot)
}

func (g *fakeGateway) waitPublish(t *testing.T) user.Draft {
	t.Helper()
	select {
	case draft := <-g.publishCh:
		return draft
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return user.Draft{}
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeGateway) {
	t.Helper()

	store, err := identity.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open identity store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := newFakeGateway()
	coord := NewCoordinator(gw, store)
	if err := coord.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	return coord, gw
}

func TestConnectReceivesInitialSnapshot(t *testing.T) {
	store, err := identity.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open identity store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gw := newFakeGateway()
	gw.seedOnConnect = []user.Message{
		{ID: "m1", Text: "history", Sender: user.Sender{Name: "Alice"}, SessionID: "guest_other"},
	}

	coord := NewCoordinator(gw, store)
	if connectErr := coord.Connect(context.Background()); connectErr != nil {
		t.Fatalf("connect failed: %v", connectErr)
	}
	t.Cleanup(func() { coord.Close() })

	messages := coord.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("initial snapshot lost, coordinator holds %+v", messages)
	}
}

func TestSendMessageEmptyIsNoOp(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	if err := coord.SendMessage("   \n  "); err != nil {
		t.Fatalf("got error %v for whitespace-only text", err)
	}

	select {
	case draft := <-gw.publishCh:
		t.Fatalf("unexpected publish: %+v", draft)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendMessageLengthBoundary(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	atLimit := strings.Repeat("x", MaxMessageLength)
	if err := coord.SendMessage(atLimit); err != nil {
		t.Fatalf("message at limit rejected: %v", err)
	}
	gw.waitPublish(t)

	overLimit := strings.Repeat("x", MaxMessageLength+1)
	err := coord.SendMessage(overLimit)
	if err == nil {
		t.Fatal("message over limit accepted")
	}
	if err.Code != errs.ErrMessageContentTooLong {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrMessageContentTooLong)
	}
}

func TestSendMessageWhenDisconnected(t *testing.T) {
	store, storeErr := identity.Open(t.TempDir())
	if storeErr != nil {
		t.Fatalf("failed to open identity store: %v", storeErr)
	}
	defer store.Close()

	coord := NewCoordinator(newFakeGateway(), store)

	err := coord.SendMessage("hello")
	if err == nil {
		t.Fatal("send succeeded before connect")
	}
	if err.Code != errs.ErrNotConnected {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrNotConnected)
	}
}

func TestSendMessageAttachesAndClearsReply(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	gw.pushMessages([]user.Message{
		{ID: "m1", Text: "original", Sender: user.Sender{Name: "Alice"}, SessionID: "other"},
	})

	if err := coord.SetReplyTo("m1"); err != nil {
		t.Fatalf("SetReplyTo failed: %v", err)
	}

	if err := coord.SendMessage("replying"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	draft := gw.waitPublish(t)
	if draft.ReplyTo == nil {
		t.Fatal("draft has no reply snapshot")
	}
	if draft.ReplyTo.ID != "m1" || draft.ReplyTo.Text != "original" {
		t.Errorf("reply snapshot = %+v", draft.ReplyTo)
	}

	if coord.ReplyTarget() != nil {
		t.Error("reply target not cleared after send")
	}

	// Second message must not carry the old reply.
	if err := coord.SendMessage("second"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if draft := gw.waitPublish(t); draft.ReplyTo != nil {
		t.Errorf("second draft carries stale reply: %+v", draft.ReplyTo)
	}
}

func TestSetReplyToUnknownMessage(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	if err := coord.SetReplyTo("nope"); err == nil {
		t.Fatal("SetReplyTo accepted an unknown id")
	}
}

func TestUploadRejectsBadTypeBeforeNetwork(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	err := coord.UploadAndSendMessage(context.Background(), []byte{1, 2, 3}, "doc.pdf", "application/pdf")
	if err == nil {
		t.Fatal("pdf upload accepted")
	}
	if err.Code != errs.ErrFileTypeInvalid {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrFileTypeInvalid)
	}

	gw.mu.Lock()
	uploads := len(gw.uploads)
	gw.mu.Unlock()
	if uploads != 0 {
		t.Error("gateway upload was attempted for a rejected type")
	}
}

func TestUploadRejectsOversizeBeforeNetwork(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	big := make([]byte, MaxUploadBytes+1)
	err := coord.UploadAndSendMessage(context.Background(), big, "big.png", "image/png")
	if err == nil {
		t.Fatal("oversize upload accepted")
	}
	if err.Code != errs.ErrFileSizeTooLarge {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrFileSizeTooLarge)
	}

	gw.mu.Lock()
	uploads := len(gw.uploads)
	gw.mu.Unlock()
	if uploads != 0 {
		t.Error("gateway upload was attempted for an oversize blob")
	}
}

func TestUploadSendsResultURL(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	data := make([]byte, 4*1024*1024)
	if err := coord.UploadAndSendMessage(context.Background(), data, "my photo.png", "image/png"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	draft := gw.waitPublish(t)
	if draft.Text != gw.uploadURL {
		t.Errorf("message text = %q, want upload URL %q", draft.Text, gw.uploadURL)
	}

	gw.mu.Lock()
	uploadedName := gw.uploads[0]
	gw.mu.Unlock()
	if strings.Contains(uploadedName, " ") {
		t.Errorf("file name %q not sanitized before upload", uploadedName)
	}
}

func TestTypingDebounce(t *testing.T) {
	coord, gw := newTestCoordinator(t)
	coord.typingIdle = 60 * time.Millisecond

	for i := 0; i < 5; i++ {
		coord.SetTyping(true)
		time.Sleep(5 * time.Millisecond)
	}

	if calls := gw.typingSeen(); len(calls) != 1 || !calls[0] {
		t.Fatalf("typing calls during burst = %v, want exactly one true", calls)
	}

	time.Sleep(150 * time.Millisecond)

	calls := gw.typingSeen()
	if len(calls) != 2 || calls[1] {
		t.Fatalf("typing calls after idle = %v, want [true false]", calls)
	}
}

func TestTypingStopIsImmediate(t *testing.T) {
	coord, gw := newTestCoordinator(t)
	coord.typingIdle = time.Minute

	coord.SetTyping(true)
	coord.SetTyping(false)

	calls := gw.typingSeen()
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Fatalf("typing calls = %v, want [true false]", calls)
	}

	// A redundant stop must not publish again.
	coord.SetTyping(false)
	if calls := gw.typingSeen(); len(calls) != 2 {
		t.Fatalf("redundant stop published: %v", calls)
	}
}

func TestTypingSnapshotExcludesSelf(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	own := coord.Profile().SessionID
	gw.pushTyping([]user.TypingUser{
		{SessionID: own, Name: "me"},
		{SessionID: "guest_other", Name: "Alice"},
	})

	typing := coord.TypingUsers()
	if len(typing) != 1 {
		t.Fatalf("got %d typing users, want 1: %+v", len(typing), typing)
	}
	if typing[0].SessionID != "guest_other" {
		t.Errorf("own session not filtered: %+v", typing)
	}
}

func TestInboundMessagesAreSanitized(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	gw.pushMessages([]user.Message{
		{
			ID:        "m1",
			Text:      "hi",
			Sender:    user.Sender{Name: "<img src=x onerror=alert(1)>Eve", AvatarURL: "javascript:alert(1)"},
			SessionID: "guest_other",
		},
	})

	messages := coord.Messages()
	if len(messages) != 1 {
		t.Fatalf("got %d messages", len(messages))
	}
	if strings.Contains(messages[0].Sender.Name, "<") {
		t.Errorf("sender name not sanitized: %q", messages[0].Sender.Name)
	}
	if messages[0].Sender.AvatarURL != "" {
		t.Errorf("dangerous avatar survived: %q", messages[0].Sender.AvatarURL)
	}
}

func TestSaveUserProfileRejectsBadAvatar(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	before := coord.Profile()

	_, err := coord.SaveUserProfile(context.Background(), "Bob", "ftp://example.com/a.png")
	if err == nil {
		t.Fatal("ftp avatar accepted")
	}
	if err.Code != errs.ErrAvatarURLInvalid {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrAvatarURLInvalid)
	}

	if coord.Profile() != before {
		t.Error("profile changed despite rejected save")
	}
}

func TestSaveUserProfileRefreshesPresence(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	gw.mu.Lock()
	baseline := gw.presenceCalls
	gw.mu.Unlock()

	saved, err := coord.SaveUserProfile(context.Background(), "  <b>Bob</b>  ", "")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Name != "Bob" {
		t.Errorf("saved name = %q, want Bob", saved.Name)
	}
	if coord.Profile().Name != "Bob" {
		t.Errorf("coordinator profile name = %q", coord.Profile().Name)
	}

	gw.mu.Lock()
	after := gw.presenceCalls
	gw.mu.Unlock()
	if after != baseline+1 {
		t.Errorf("presence calls went %d -> %d, want one refresh", baseline, after)
	}
}

func TestSendMessageAfterClose(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	if err := coord.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := coord.SendMessage("late")
	if err == nil {
		t.Fatal("send accepted after close")
	}
	if err.Code != errs.ErrNotConnected {
		t.Errorf("got code %d, want %d", err.Code, errs.ErrNotConnected)
	}

	select {
	case draft := <-gw.publishCh:
		t.Fatalf("unexpected publish after close: %+v", draft)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	coord, gw := newTestCoordinator(t)

	if err := coord.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	gw.mu.Lock()
	connected := gw.connected
	gw.mu.Unlock()
	if connected {
		t.Error("gateway still connected after close")
	}
}
