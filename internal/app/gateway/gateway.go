/*
Package gateway defines the backend-agnostic realtime boundary and its two
interchangeable adapters.

The contract is deliberately snapshot-based: every subscription callback
receives the full current collection, never a delta. This trades bandwidth
for the elimination of client-side merge logic; state handling upstream is a
plain replace-on-receive. Adapter selection is a static configuration
choice, not a runtime concern of the core.
*/
package gateway

import (
	"context"

	"chatkat/internal/app/user"
)

// Snapshot size cap applied by every backend to the message subscription.
const MessageWindow = 100

// UnsubscribeFunc releases a single subscription. Safe to call more than once.
type UnsubscribeFunc func()

// Gateway is the boundary between the chat core and a vendor realtime
// backend. Implementations never let a raw backend error escape: failures
// surface as errs codes (connection, publish, upload).
type Gateway interface {

	// Connect establishes the realtime channels for messages, presence, and
	// typing, scoped to the configured room. The gateway value itself owns
	// all resulting channel handles; Disconnect releases them.
	Connect(ctx context.Context, profile user.Profile) error

	// SubscribeMessages registers a callback receiving the full message
	// window (most recent MessageWindow entries) on every change.
	SubscribeMessages(fn func([]user.Message)) UnsubscribeFunc

	// SubscribePresence registers a callback receiving the full set of
	// online sessions on every change.
	SubscribePresence(fn func([]user.OnlineUser)) UnsubscribeFunc

	// SubscribeTyping registers a callback receiving the full set of typing
	// sessions on every change.
	SubscribeTyping(fn func([]user.TypingUser)) UnsubscribeFunc

	// PublishMessage sends a draft. The backend assigns id and timestamp;
	// delivery is at-least-once with no client-side dedup beyond the
	// backend-assigned ids.
	PublishMessage(ctx context.Context, draft user.Draft) error

	// UploadImage stores an image blob under a sanitized name and returns a
	// publicly fetchable URL. Size and type limits are enforced by the
	// caller before invocation.
	UploadImage(ctx context.Context, data []byte, fileName string) (string, error)

	// SetTyping upserts or removes this session's typing marker. The marker
	// must auto-expire on abrupt disconnect so a crashed client cannot leave
	// a stale indicator.
	SetTyping(ctx context.Context, profile user.Profile, isTyping bool) error

	// SetPresence upserts this session's online marker with the same
	// disconnect-expiry guarantee as SetTyping.
	SetPresence(ctx context.Context, profile user.Profile) error

	// Disconnect releases all subscriptions and channel handles. Idempotent.
	Disconnect() error
}
