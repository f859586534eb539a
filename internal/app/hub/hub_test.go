package hub

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/user"
)

// startTestHub runs a hub behind a plain upgrade handler and returns the
// server base URL.
func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()

	h := NewHub("lobby", nil)
	go h.Run()
	t.Cleanup(h.Shutdown)

	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		profile := user.Profile{
			SessionID: query.Get("session"),
			Name:      query.Get("name"),
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		client := NewClient(h, conn, profile)
		go client.WritePump()
		h.RegisterClient(client)
		go client.ReadPump()
	}))
	t.Cleanup(server.Close)

	return h, server.URL
}

func dialTestHub(t *testing.T, baseURL, sessionID, name string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")
	query := url.Values{}
	query.Set("session", sessionID)
	query.Set("name", name)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/?"+query.Encode(), nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return conn
}

// readFrame reads frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, want gateway.FrameType) gateway.Frame {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)

	for time.Now().Before(deadline) {
		var frame gateway.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read failed waiting for %s frame: %v", want, err)
		}
		if frame.Type == want {
			return frame
		}
	}

	t.Fatalf("no %s frame within deadline", want)
	return gateway.Frame{}
}

func decodeMessages(t *testing.T, frame gateway.Frame) []user.Message {
	t.Helper()

	var messages []user.Message
	if err := json.Unmarshal(frame.Payload, &messages); err != nil {
		t.Fatalf("invalid messages payload: %v", err)
	}
	return messages
}

func TestHubSeedsNewConnection(t *testing.T) {
	_, baseURL := startTestHub(t)

	conn := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")

	frame := readFrame(t, conn, gateway.FrameMessages)
	if messages := decodeMessages(t, frame); len(messages) != 0 {
		t.Errorf("fresh hub seeded %d messages, want 0", len(messages))
	}

	presenceFrame := readFrame(t, conn, gateway.FramePresence)
	var online []user.OnlineUser
	if err := json.Unmarshal(presenceFrame.Payload, &online); err != nil {
		t.Fatalf("invalid presence payload: %v", err)
	}
	if len(online) != 1 || online[0].Name != "Alice" {
		t.Errorf("presence snapshot = %+v", online)
	}
}

func TestHubBroadcastsPublishedMessage(t *testing.T) {
	_, baseURL := startTestHub(t)

	connA := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")
	connB := dialTestHub(t, baseURL, "guest_bob000000000000000000", "Bob")

	readFrame(t, connB, gateway.FramePresence)

	frame, err := gateway.NewFrame(gateway.FramePublish, user.Draft{
		Text:   "hello",
		Sender: user.Sender{Name: "Alice"},
	})
	if err != nil {
		t.Fatalf("failed to build publish frame: %v", err)
	}
	if err := connA.WriteJSON(frame); err != nil {
		t.Fatalf("failed to send publish frame: %v", err)
	}

	var got user.Message
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("message never reached the other client")
		}
		messages := decodeMessages(t, readFrame(t, connB, gateway.FrameMessages))
		if len(messages) == 1 {
			got = messages[0]
			break
		}
	}

	if got.Text != "hello" {
		t.Errorf("text = %q", got.Text)
	}
	if got.ID == "" {
		t.Error("hub did not assign a message id")
	}
	if got.Timestamp == 0 {
		t.Error("hub did not assign a timestamp")
	}
	if got.SessionID != "guest_alice0000000000000000" {
		t.Errorf("session id = %q, want the connection's session", got.SessionID)
	}
}

func TestHubSpoofedSessionIsOverridden(t *testing.T) {
	_, baseURL := startTestHub(t)

	conn := dialTestHub(t, baseURL, "guest_real0000000000000000", "Mallory")

	frame, err := gateway.NewFrame(gateway.FramePublish, user.Draft{
		Text:      "spoofed",
		Sender:    user.Sender{Name: "Mallory"},
		SessionID: "guest_fake0000000000000000",
	})
	if err != nil {
		t.Fatalf("failed to build publish frame: %v", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("failed to send publish frame: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("published message never came back")
		}
		messages := decodeMessages(t, readFrame(t, conn, gateway.FrameMessages))
		if len(messages) == 1 {
			if messages[0].SessionID != "guest_real0000000000000000" {
				t.Errorf("session id = %q, want connection session", messages[0].SessionID)
			}
			return
		}
	}
}

func TestHubTypingBroadcast(t *testing.T) {
	_, baseURL := startTestHub(t)

	connA := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")
	connB := dialTestHub(t, baseURL, "guest_bob000000000000000000", "Bob")

	frame, err := gateway.NewFrame(gateway.FrameSetTyping, gateway.SetTypingPayload{Name: "Bob", IsTyping: true})
	if err != nil {
		t.Fatalf("failed to build typing frame: %v", err)
	}
	if err := connB.WriteJSON(frame); err != nil {
		t.Fatalf("failed to send typing frame: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("typing marker never reached the other client")
		}
		typingFrame := readFrame(t, connA, gateway.FrameTyping)
		var typing []user.TypingUser
		if err := json.Unmarshal(typingFrame.Payload, &typing); err != nil {
			t.Fatalf("invalid typing payload: %v", err)
		}
		if len(typing) == 1 {
			if typing[0].Name != "Bob" {
				t.Errorf("typing user = %+v", typing[0])
			}
			return
		}
	}
}

func TestHubDisconnectWithdrawsPresence(t *testing.T) {
	_, baseURL := startTestHub(t)

	connA := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")
	connB := dialTestHub(t, baseURL, "guest_bob000000000000000000", "Bob")

	// Wait until A sees both sessions online.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("never saw both sessions online")
		}
		var online []user.OnlineUser
		frame := readFrame(t, connA, gateway.FramePresence)
		if err := json.Unmarshal(frame.Payload, &online); err != nil {
			t.Fatalf("invalid presence payload: %v", err)
		}
		if len(online) == 2 {
			break
		}
	}

	connB.Close()

	deadline = time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("presence never dropped the disconnected session")
		}
		var online []user.OnlineUser
		frame := readFrame(t, connA, gateway.FramePresence)
		if err := json.Unmarshal(frame.Payload, &online); err != nil {
			t.Fatalf("invalid presence payload: %v", err)
		}
		if len(online) == 1 && online[0].Name == "Alice" {
			return
		}
	}
}

func TestHubSessionReplacement(t *testing.T) {
	_, baseURL := startTestHub(t)

	connOld := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")
	_ = dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")

	// The old connection must receive the replacement close code.
	connOld.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := connOld.ReadMessage()
		if err == nil {
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			if closeErr.Code != WsCloseCodeSessionKicked {
				t.Errorf("close code = %d, want %d", closeErr.Code, WsCloseCodeSessionKicked)
			}
			return
		}
		t.Fatalf("old connection ended without kick close frame: %v", err)
	}
}

func TestCloseSendWithQueuedFrames(t *testing.T) {
	c := &Client{send: make(chan []byte, 8)}
	c.send <- []byte("a")
	c.send <- []byte("b")

	// Must close even with frames still queued, and stay closed on a
	// second call.
	c.closeSend()
	c.closeSend()

	drained := 0
	for range c.send {
		drained++
	}
	if drained != 2 {
		t.Errorf("drained %d frames from closed queue, want 2", drained)
	}
}

func TestHubEvictionClosesConnection(t *testing.T) {
	h, baseURL := startTestHub(t)

	conn := dialTestHub(t, baseURL, "guest_alice0000000000000000", "Alice")
	readFrame(t, conn, gateway.FramePresence)

	h.mu.RLock()
	client := h.clients["guest_alice0000000000000000"]
	h.mu.RUnlock()
	if client == nil {
		t.Fatal("client not registered")
	}

	h.unregister <- client

	// The evicted connection must actually die, not linger on heartbeats.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatal("connection still alive after eviction")
		}
		break
	}

	if count := h.OnlineCount(); count != 0 {
		t.Errorf("online count = %d after eviction, want 0", count)
	}
}

func TestHistoryWindowPruning(t *testing.T) {
	history, err := OpenHistory(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	defer history.Close()

	total := gateway.MessageWindow + 20
	for i := 0; i < total; i++ {
		m := user.Message{
			ID:        fmt.Sprintf("m%d", i),
			Text:      fmt.Sprintf("message %d", i),
			Timestamp: int64(i),
		}
		if err := history.Append(m); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	window, err := history.LoadWindow()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(window) != gateway.MessageWindow {
		t.Fatalf("window size = %d, want %d", len(window), gateway.MessageWindow)
	}
	if window[0].ID != fmt.Sprintf("m%d", total-gateway.MessageWindow) {
		t.Errorf("oldest kept = %s", window[0].ID)
	}
	if window[len(window)-1].ID != fmt.Sprintf("m%d", total-1) {
		t.Errorf("newest kept = %s", window[len(window)-1].ID)
	}
}

func TestHistorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	history, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	if err := history.Append(user.Message{ID: "m1", Text: "hello", Timestamp: 1}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := history.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := OpenHistory(dir)
	if err != nil {
		t.Fatalf("failed to reopen history: %v", err)
	}
	defer reopened.Close()

	window, err := reopened.LoadWindow()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(window) != 1 || window[0].Text != "hello" {
		t.Errorf("restored window = %+v", window)
	}
}
