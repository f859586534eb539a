/*
Package gateway defines the backend-agnostic realtime boundary and its two
interchangeable adapters.

This file implements the Postgres adapter: rows in messages/presence/typing
tables, NOTIFY wakeups on a shared channel, and a full snapshot refetch of
whichever collection changed. Presence and typing liveness relies on
heartbeat timestamps with staleness windows, so markers left by a crashed
client expire on their own.
*/
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chatkat/internal/app/storage"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/pkg/randx"
	"chatkat/internal/sanitize"
)

const (
	// notifyChannel is the single LISTEN/NOTIFY channel; the payload names
	// the collection that changed.
	notifyChannel = "chatkat_changes"

	streamMessages = "messages"
	streamPresence = "presence"
	streamTyping   = "typing"

	// presenceHeartbeat refreshes this session's last_seen stamp.
	presenceHeartbeat = 30 * time.Second

	// presenceStaleAfter is the window beyond which an unrefreshed presence
	// row no longer counts as online.
	presenceStaleAfter = 90 * time.Second

	// typingStaleAfter bounds how long a typing marker can outlive a crash.
	typingStaleAfter = 10 * time.Second
)

// PostgresGateway implements Gateway over a PostgreSQL pool plus an
// S3-compatible store for image blobs.
type PostgresGateway struct {
	pool  *pgxpool.Pool
	store storage.Service
	room  string

	mu        sync.Mutex
	connected bool
	profile   user.Profile
	cancel    context.CancelFunc
	done      chan struct{}

	messageSubs  subscribers[[]user.Message]
	presenceSubs subscribers[[]user.OnlineUser]
	typingSubs   subscribers[[]user.TypingUser]

	logger zerolog.Logger
}

// NewPostgresGateway constructs a disconnected adapter scoped to one room.
func NewPostgresGateway(pool *pgxpool.Pool, store storage.Service, room string) *PostgresGateway {
	gwLogger := logx.Logger().With().
		Str("component", "PostgresGateway").
		Str("room", room).
		Logger()

	return &PostgresGateway{
		pool:   pool,
		store:  store,
		room:   room,
		logger: gwLogger,
	}
}

// Connect acquires a dedicated LISTEN connection, registers presence, and
// pushes the initial snapshot of all three collections.
func (g *PostgresGateway) Connect(ctx context.Context, profile user.Profile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.connected {
		return nil
	}

	poolConn, err := g.pool.Acquire(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to acquire listen connection.")
		return errs.NewError(errs.ErrConnectionFailed)
	}

	listenConn := poolConn.Hijack()

	if _, err := listenConn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		listenConn.Close(ctx)
		g.logger.Error().Err(err).Msg("Failed to LISTEN on notify channel.")
		return errs.NewError(errs.ErrConnectionFailed)
	}

	if err := g.upsertPresence(ctx, profile); err != nil {
		listenConn.Close(ctx)
		g.logger.Error().Err(err).Msg("Failed to register presence.")
		return errs.NewError(errs.ErrConnectionFailed)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	g.connected = true
	g.profile = profile
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.runLoops(loopCtx, listenConn)

	// Seed subscribers; afterwards every change re-delivers full snapshots.
	g.refetch(loopCtx, streamMessages)
	g.refetch(loopCtx, streamPresence)
	g.refetch(loopCtx, streamTyping)

	g.logger.Info().Str("session_id", profile.SessionID).Msg("Connected to Postgres backend.")
	return nil
}

// runLoops owns the LISTEN connection and the presence heartbeat until the
// adapter disconnects.
func (g *PostgresGateway) runLoops(ctx context.Context, listenConn *pgx.Conn) {
	defer close(g.done)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := listenConn.Close(closeCtx); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to close listen connection.")
		}
	}()

	notifications := make(chan string, 16)

	go func() {
		defer close(notifications)
		for {
			notification, err := listenConn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn().Err(err).Msg("Notification wait failed.")
				}
				return
			}
			notifications <- notification.Payload
		}
	}()

	ticker := time.NewTicker(presenceHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case stream, ok := <-notifications:
			if !ok {
				return
			}
			g.refetch(ctx, stream)

		case <-ticker.C:
			g.mu.Lock()
			profile := g.profile
			g.mu.Unlock()

			if err := g.upsertPresence(ctx, profile); err != nil && ctx.Err() == nil {
				g.logger.Warn().Err(err).Msg("Presence heartbeat failed.")
			}
		}
	}
}

// refetch reloads the named collection and dispatches the fresh snapshot.
func (g *PostgresGateway) refetch(ctx context.Context, stream string) {
	switch stream {
	case streamMessages:
		messages, err := g.fetchMessages(ctx)
		if err != nil {
			g.logFetchError(ctx, stream, err)
			return
		}
		g.messageSubs.dispatch(messages)

	case streamPresence:
		users, err := g.fetchPresence(ctx)
		if err != nil {
			g.logFetchError(ctx, stream, err)
			return
		}
		g.presenceSubs.dispatch(users)

	case streamTyping:
		users, err := g.fetchTyping(ctx)
		if err != nil {
			g.logFetchError(ctx, stream, err)
			return
		}
		g.typingSubs.dispatch(users)

	default:
		g.logger.Warn().Str("stream", stream).Msg("Notification for unknown stream.")
	}
}

func (g *PostgresGateway) logFetchError(ctx context.Context, stream string, err error) {
	if ctx.Err() != nil {
		return
	}
	g.logger.Error().Err(err).Str("stream", stream).Msg("Snapshot refetch failed.")
}

// fetchMessages loads the most recent MessageWindow messages in ascending
// timestamp order.
func (g *PostgresGateway) fetchMessages(ctx context.Context) ([]user.Message, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id::text, text,
		       (EXTRACT(EPOCH FROM created_at) * 1000)::bigint,
		       sender_name, sender_avatar, session_id,
		       reply_id, reply_text, reply_sender_name, reply_sender_avatar
		FROM messages
		WHERE room = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		g.room, MessageWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	newestFirst := make([]user.Message, 0, MessageWindow)

	for rows.Next() {
		var m user.Message
		var replyID, replyText, replyName, replyAvatar *string

		if err := rows.Scan(
			&m.ID, &m.Text, &m.Timestamp,
			&m.Sender.Name, &m.Sender.AvatarURL, &m.SessionID,
			&replyID, &replyText, &replyName, &replyAvatar,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}

		if replyID != nil {
			m.ReplyTo = &user.ReplyRef{ID: *replyID}
			if replyText != nil {
				m.ReplyTo.Text = *replyText
			}
			if replyName != nil {
				m.ReplyTo.Sender.Name = *replyName
			}
			if replyAvatar != nil {
				m.ReplyTo.Sender.AvatarURL = *replyAvatar
			}
		}

		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows: %w", err)
	}

	messages := make([]user.Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}

	return messages, nil
}

// fetchPresence loads the sessions whose heartbeat is still fresh.
func (g *PostgresGateway) fetchPresence(ctx context.Context) ([]user.OnlineUser, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT session_id, name
		FROM presence
		WHERE room = $1 AND last_seen > now() - make_interval(secs => $2)
		ORDER BY name`,
		g.room, presenceStaleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query presence: %w", err)
	}
	defer rows.Close()

	users := make([]user.OnlineUser, 0, 8)
	for rows.Next() {
		var u user.OnlineUser
		if err := rows.Scan(&u.SessionID, &u.Name); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// fetchTyping loads the sessions with a fresh typing marker.
func (g *PostgresGateway) fetchTyping(ctx context.Context) ([]user.TypingUser, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT session_id, name
		FROM typing
		WHERE room = $1 AND updated_at > now() - make_interval(secs => $2)
		ORDER BY name`,
		g.room, typingStaleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query typing: %w", err)
	}
	defer rows.Close()

	users := make([]user.TypingUser, 0, 4)
	for rows.Next() {
		var u user.TypingUser
		if err := rows.Scan(&u.SessionID, &u.Name); err != nil {
			return nil, fmt.Errorf("failed to scan typing row: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// notify wakes every listener for the named stream.
func (g *PostgresGateway) notify(ctx context.Context, stream string) error {
	_, err := g.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, stream)
	return err
}

// SubscribeMessages registers a message snapshot callback.
func (g *PostgresGateway) SubscribeMessages(fn func([]user.Message)) UnsubscribeFunc {
	return g.messageSubs.add(fn)
}

// SubscribePresence registers a presence snapshot callback.
func (g *PostgresGateway) SubscribePresence(fn func([]user.OnlineUser)) UnsubscribeFunc {
	return g.presenceSubs.add(fn)
}

// SubscribeTyping registers a typing snapshot callback.
func (g *PostgresGateway) SubscribeTyping(fn func([]user.TypingUser)) UnsubscribeFunc {
	return g.typingSubs.add(fn)
}

// PublishMessage inserts the draft; id and timestamp come from column
// defaults, so the database stays the sole writer of both.
func (g *PostgresGateway) PublishMessage(ctx context.Context, draft user.Draft) error {
	var replyID, replyText, replyName, replyAvatar *string
	if draft.ReplyTo != nil {
		replyID = &draft.ReplyTo.ID
		replyText = &draft.ReplyTo.Text
		replyName = &draft.ReplyTo.Sender.Name
		replyAvatar = &draft.ReplyTo.Sender.AvatarURL
	}

	_, err := g.pool.Exec(ctx, `
		INSERT INTO messages
			(room, text, sender_name, sender_avatar, session_id,
			 reply_id, reply_text, reply_sender_name, reply_sender_avatar)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.room, draft.Text, draft.Sender.Name, draft.Sender.AvatarURL, draft.SessionID,
		replyID, replyText, replyName, replyAvatar)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to insert message.")
		return errs.NewError(errs.ErrPublishFailed)
	}

	if err := g.notify(ctx, streamMessages); err != nil {
		g.logger.Warn().Err(err).Msg("Message inserted but notify failed.")
	}

	return nil
}

// UploadImage stores the blob directly on the object store and returns its
// public URL.
func (g *PostgresGateway) UploadImage(ctx context.Context, data []byte, fileName string) (string, error) {
	key := fmt.Sprintf("%s/%s_%s", g.room, randx.MessageID(), sanitize.FileName(fileName))
	mimeType := http.DetectContentType(data)

	url, err := g.store.Upload(ctx, key, mimeType, bytes.NewReader(data))
	if err != nil {
		return "", errs.NewError(errs.ErrUploadFailed)
	}

	return url, nil
}

// upsertPresence refreshes this session's online marker and notifies.
func (g *PostgresGateway) upsertPresence(ctx context.Context, profile user.Profile) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO presence (room, session_id, name, last_seen)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room, session_id)
		DO UPDATE SET name = EXCLUDED.name, last_seen = now()`,
		g.room, profile.SessionID, profile.Name)
	if err != nil {
		return err
	}

	return g.notify(ctx, streamPresence)
}

// SetPresence upserts this session's online marker.
func (g *PostgresGateway) SetPresence(ctx context.Context, profile user.Profile) error {
	g.mu.Lock()
	if g.connected {
		g.profile = profile
	}
	g.mu.Unlock()

	return g.upsertPresence(ctx, profile)
}

// SetTyping upserts or removes this session's typing marker.
func (g *PostgresGateway) SetTyping(ctx context.Context, profile user.Profile, isTyping bool) error {
	var err error
	if isTyping {
		_, err = g.pool.Exec(ctx, `
			INSERT INTO typing (room, session_id, name, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (room, session_id)
			DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
			g.room, profile.SessionID, profile.Name)
	} else {
		_, err = g.pool.Exec(ctx,
			"DELETE FROM typing WHERE room = $1 AND session_id = $2",
			g.room, profile.SessionID)
	}
	if err != nil {
		return err
	}

	return g.notify(ctx, streamTyping)
}

// Disconnect removes this session's markers, stops the listener and
// heartbeat, and releases the LISTEN connection. Idempotent.
func (g *PostgresGateway) Disconnect() error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil
	}

	g.connected = false
	profile := g.profile
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	if _, err := g.pool.Exec(ctx,
		"DELETE FROM presence WHERE room = $1 AND session_id = $2",
		g.room, profile.SessionID); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to remove presence on disconnect.")
	}
	if _, err := g.pool.Exec(ctx,
		"DELETE FROM typing WHERE room = $1 AND session_id = $2",
		g.room, profile.SessionID); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to remove typing marker on disconnect.")
	}

	if err := g.notify(ctx, streamPresence); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to notify presence stream on disconnect.")
	}
	if err := g.notify(ctx, streamTyping); err != nil {
		g.logger.Warn().Err(err).Msg("Failed to notify typing stream on disconnect.")
	}

	cancel()
	<-done

	g.logger.Info().Str("session_id", profile.SessionID).Msg("Disconnected from Postgres backend.")
	return nil
}
