/*
Package main is the entry point for the chatkat terminal client.

It loads configuration, opens the local identity store, builds the
configured gateway adapter (websocket hub or direct Postgres), and runs a
line-oriented loop: plain lines are sent as messages, and a few slash
commands cover profile changes, replies, and image uploads.
*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"chatkat/internal/app/chat"
	"chatkat/internal/app/db"
	"chatkat/internal/app/gateway"
	"chatkat/internal/app/identity"
	"chatkat/internal/app/storage"
	"chatkat/internal/configs"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := configs.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.Environment == "development")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := identity.Open(filepath.Join(cfg.DataDir, "identity"))
	if err != nil {
		logx.Fatal(err, "Failed to open identity store")
	}
	defer store.Close()

	gw, err := buildGateway(cfg)
	if err != nil {
		logx.Fatal(err, "Failed to build gateway")
	}

	coordinator := chat.NewCoordinator(gw, store)
	coordinator.SetErrorHandler(func(customErr *errs.CustomError) {
		fmt.Printf("! %s\n", customErr.Message)
	})

	if err := coordinator.Connect(ctx); err != nil {
		logx.Fatal(err, "Failed to connect to chat backend")
	}
	defer coordinator.Close()

	profile := coordinator.Profile()
	fmt.Printf("Connected to %q as %s (%s backend).\n", cfg.Room, profile.Name, cfg.Backend)
	fmt.Println("Commands: /name <name>, /avatar <url>, /reply <message-id>, /send-image <path>, /who, /quit")

	go renderLoop(ctx, coordinator)

	inputLoop(ctx, coordinator)

	fmt.Println("Bye.")
}

// buildGateway constructs the adapter selected by CHAT_BACKEND.
func buildGateway(cfg *configs.AppConfig) (gateway.Gateway, error) {
	switch cfg.Backend {
	case configs.BackendPostgres:
		pool, err := db.NewPool(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}

		storageService, err := storage.NewService(storage.ServiceConfig{
			BucketName:      cfg.S3BucketName,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}

		return gateway.NewPostgresGateway(pool, storageService, cfg.Room), nil

	default:
		return gateway.NewWebsocketGateway(cfg.ServerURL), nil
	}
}

// renderLoop prints new messages and typing activity as state changes.
func renderLoop(ctx context.Context, coordinator *chat.Coordinator) {
	var lastMessageID string

	for {
		select {
		case <-ctx.Done():
			return
		case <-coordinator.Changes():
		}

		messages := coordinator.Messages()
		startIdx := 0
		if lastMessageID != "" {
			for i, m := range messages {
				if m.ID == lastMessageID {
					startIdx = i + 1
					break
				}
			}
		}

		own := coordinator.Profile().SessionID
		for _, m := range messages[startIdx:] {
			if m.SessionID == own {
				continue
			}
			printMessage(m.ID, m.Sender.Name, m.Text, m.ReplyTo != nil)
		}
		if len(messages) > 0 {
			lastMessageID = messages[len(messages)-1].ID
		}

		if typing := coordinator.TypingUsers(); len(typing) > 0 {
			names := make([]string, 0, len(typing))
			for _, t := range typing {
				names = append(names, t.Name)
			}
			fmt.Printf("... %s typing\n", strings.Join(names, ", "))
		}
	}
}

// printMessage renders one message line using the span renderer, so invalid
// URLs show up as the literal marker rather than something clickable.
func printMessage(id, sender, text string, isReply bool) {
	var b strings.Builder
	for _, span := range chat.RenderContent(text) {
		switch span.Kind {
		case chat.SpanText, chat.SpanInvalidURL:
			b.WriteString(span.Value)
		case chat.SpanLink:
			b.WriteString(span.Label)
		case chat.SpanImage:
			b.WriteString("[image] ")
			b.WriteString(span.URL)
		}
	}

	prefix := ""
	if isReply {
		prefix = "(reply) "
	}
	fmt.Printf("[%s] %s%s: %s\n", shortID(id), prefix, sender, b.String())
}

// inputLoop reads stdin lines and turns them into coordinator actions.
func inputLoop(ctx context.Context, coordinator *chat.Coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	for {
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, coordinator, line); quit {
				return
			}
			continue
		}

		coordinator.SetTyping(false)
		if err := coordinator.SendMessage(line); err != nil {
			fmt.Printf("! %s\n", err.Message)
		}
	}
}

// runCommand handles one slash command. Returns true for /quit.
func runCommand(ctx context.Context, coordinator *chat.Coordinator, line string) bool {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/quit", "/exit":
		return true

	case "/name":
		profile := coordinator.Profile()
		if _, err := coordinator.SaveUserProfile(ctx, arg, profile.AvatarURL); err != nil {
			fmt.Printf("! %s\n", err.Message)
		} else {
			fmt.Printf("You are now %s.\n", coordinator.Profile().Name)
		}

	case "/avatar":
		profile := coordinator.Profile()
		if _, err := coordinator.SaveUserProfile(ctx, profile.Name, arg); err != nil {
			fmt.Printf("! %s\n", err.Message)
		} else {
			fmt.Println("Avatar updated.")
		}

	case "/reply":
		if err := coordinator.SetReplyTo(arg); err != nil {
			fmt.Printf("! %s\n", err.Message)
		} else {
			fmt.Println("Replying. Your next message is attached to it.")
		}

	case "/send-image":
		sendImage(ctx, coordinator, arg)

	case "/who":
		for _, u := range coordinator.OnlineUsers() {
			fmt.Printf("- %s\n", u.Name)
		}

	default:
		fmt.Printf("Unknown command %q.\n", command)
	}

	return false
}

// sendImage reads a local file and uploads it as a message.
func sendImage(ctx context.Context, coordinator *chat.Coordinator, path string) {
	if path == "" {
		fmt.Println("Usage: /send-image <path>")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("! Could not read %s: %v\n", path, err)
		return
	}

	mimeType := mimeForExtension(filepath.Ext(path))
	if customErr := coordinator.UploadAndSendMessage(ctx, data, filepath.Base(path), mimeType); customErr != nil {
		fmt.Printf("! %s\n", customErr.Message)
		return
	}
	fmt.Println("Image sent.")
}

// mimeForExtension maps the common image extensions to their MIME types.
func mimeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// shortID trims a backend message id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
