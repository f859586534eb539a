/*
Package user contains the core data structures shared by the chat client,
the gateway adapters, and the snapshot hub.

It defines the persisted anonymous identity (Profile), the wire shape of
messages and reply previews, and the ephemeral presence and typing entries.
Fields use JSON tags for serialization across the realtime channel.
*/
package user

// Profile is the anonymous per-installation identity. The session id is
// generated once and never changes; name and avatar are mutable only
// through the sanitizing save path in the identity store.
type Profile struct {

	// SessionID is the opaque identity key used for presence, typing, and
	// message ownership comparison.
	SessionID string `json:"sessionId"`

	// Name is the sanitized display name, at most 50 characters.
	Name string `json:"name"`

	// AvatarURL is empty or a sanitized http(s) image URL, at most 500 characters.
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Sender is the display identity embedded in a message.
type Sender struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ReplyRef is an immutable snapshot of the message being replied to,
// captured at send time so later edits or eviction cannot change it.
type ReplyRef struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
}

// Message is a stored chat message. The backend is the sole writer of ID
// and Timestamp; the client supplies everything else.
type Message struct {

	// ID is the backend-assigned unique identifier.
	ID string `json:"id"`

	// Text is the message body, at most 5000 characters.
	Text string `json:"text"`

	// Timestamp is the server-assigned epoch time in milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Sender carries the display identity captured at send time.
	Sender Sender `json:"sender"`

	// SessionID identifies the origin session.
	SessionID string `json:"sessionId"`

	// ReplyTo is present when this message replies to another.
	ReplyTo *ReplyRef `json:"replyTo,omitempty"`
}

// Draft is a message as submitted by a client, before the backend assigns
// identity and time.
type Draft struct {
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	SessionID string    `json:"sessionId"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`
}

// OnlineUser is an ephemeral presence entry: one per session, last-write-wins.
type OnlineUser struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

// TypingUser is an ephemeral typing marker: one per session, removed on
// stop, timeout, or disconnect.
type TypingUser struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}
