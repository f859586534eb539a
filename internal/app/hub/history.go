/*
Package hub implements the bundled snapshot server: a single shared room
whose clients connect over websockets and receive full collection snapshots
on every change.

This file implements the message history, persisted in a local pebble store
so the message window survives restarts. Keys are 8-byte big-endian sequence
numbers increasing monotonically; entries older than the window are pruned
as new ones arrive.
*/
package hub

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"chatkat/internal/app/gateway"
	"chatkat/internal/app/user"
	"chatkat/internal/pkg/logx"
)

// History persists the rolling message window.
type History struct {
	db *pebble.DB

	mu    sync.Mutex
	next  uint64
	first uint64
}

// OpenHistory opens (or creates) the message history under dir.
func OpenHistory(dir string) (*History, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}

	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	h := &History{db: db}

	// Recover the sequence bounds from the stored keys.
	it, err := db.NewIter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan history store: %w", err)
	}
	if it.First() && len(it.Key()) >= 8 {
		h.first = binary.BigEndian.Uint64(it.Key()[:8])
	}
	if it.Last() && len(it.Key()) >= 8 {
		h.next = binary.BigEndian.Uint64(it.Key()[:8]) + 1
	}
	if err := it.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to close history iterator: %w", err)
	}

	return h, nil
}

// Close releases the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Append stores a message and prunes entries that fell out of the window.
func (h *History) Append(m user.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, h.next)
	if err := h.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", m.ID, err)
	}
	h.next++

	for h.next-h.first > uint64(gateway.MessageWindow) {
		staleKey := make([]byte, 8)
		binary.BigEndian.PutUint64(staleKey, h.first)
		if err := h.db.Delete(staleKey, pebble.NoSync); err != nil {
			logx.Warn("Failed to prune history entry", "error", err, "seq", h.first)
			break
		}
		h.first++
	}

	return nil
}

// LoadWindow returns the persisted window in chronological order.
func (h *History) LoadWindow() ([]user.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	it, err := h.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	defer it.Close()

	out := make([]user.Message, 0, gateway.MessageWindow)
	for it.First(); it.Valid(); it.Next() {
		var m user.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			logx.Warn("Skipping undecodable history entry", "error", err)
			continue
		}
		out = append(out, m)
	}

	if len(out) > gateway.MessageWindow {
		out = out[len(out)-gateway.MessageWindow:]
	}

	return out, nil
}
