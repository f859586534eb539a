/*
Package gateway defines the backend-agnostic realtime boundary and its two
interchangeable adapters.

This file defines the JSON frame protocol spoken between the websocket
adapter and the snapshot hub. Every frame is a typed envelope with a raw
payload; servers push full collection snapshots, clients push intents.
*/
package gateway

import "encoding/json"

// FrameType discriminates the JSON frames on the websocket channel.
type FrameType string

const (
	// Server to client: full collection snapshots.
	FrameMessages FrameType = "messages"
	FramePresence FrameType = "presence"
	FrameTyping   FrameType = "typing"

	// Client to server: intents.
	FramePublish     FrameType = "publish"
	FrameSetTyping   FrameType = "set_typing"
	FrameSetPresence FrameType = "set_presence"
)

// Frame is the envelope for every websocket message in either direction.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetTypingPayload carries a typing marker update for the sending session.
type SetTypingPayload struct {
	Name     string `json:"name"`
	IsTyping bool   `json:"isTyping"`
}

// SetPresencePayload refreshes the sending session's online marker,
// carrying the current display identity.
type SetPresencePayload struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// NewFrame marshals a payload into a typed frame.
func NewFrame(frameType FrameType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Type: frameType, Payload: raw}, nil
}
