/*
Package handler provides the HTTP handlers and routing setup for the chatkat hub.

This file contains the HandleWebSocket function, which rate limits and
validates connection requests, upgrades them to websockets, and starts the
client lifecycle against the hub.
*/
package handler

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"chatkat/internal/app/hub"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/limiter"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/pkg/randx"
	"chatkat/internal/pkg/resp"
	"chatkat/internal/sanitize"
)

// HandleWebSocket creates an HTTP HandlerFunc to process websocket
// connection requests. The session identity arrives as query parameters;
// name and avatar are sanitized before the session enters the hub.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		query := r.URL.Query()
		sessionID := query.Get("session")
		name := sanitize.Name(query.Get("name"))
		avatar := sanitize.ProfilePicURL(query.Get("avatar"))

		if !randx.IsValidSessionID(sessionID) {
			logx.Warn("WebSocket request rejected: Invalid session id")
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		if name == "" {
			logx.Warn("WebSocket request rejected: Empty display name", "session_id", sessionID)
			resp.RespondError(w, r, errs.NewError(errs.ErrNameInvalid))
			return
		}

		profile := user.Profile{
			SessionID: sessionID,
			Name:      name,
			AvatarURL: avatar,
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		client := hub.NewClient(deps.Hub, conn, profile)

		go client.WritePump()

		logx.Info("WebSocket connection established", "session_id", sessionID)

		deps.Hub.RegisterClient(client)

		client.ReadPump()
	}
}
