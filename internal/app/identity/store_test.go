package identity

import (
	"strings"
	"testing"

	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/randx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestLoadReturnsNilBeforeFirstUse(t *testing.T) {
	store := openTestStore(t)

	profile, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if profile != nil {
		t.Fatalf("expected nil profile before first use, got %+v", profile)
	}
}

func TestEnsureProfileCreatesStableIdentity(t *testing.T) {
	store := openTestStore(t)

	first, err := store.EnsureProfile()
	if err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}

	if !randx.IsValidSessionID(first.SessionID) {
		t.Errorf("generated session id has unexpected shape: %q", first.SessionID)
	}
	if first.Name == "" {
		t.Error("expected a default nickname")
	}

	second, err := store.EnsureProfile()
	if err != nil {
		t.Fatalf("second EnsureProfile failed: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session id changed across calls: %q vs %q", first.SessionID, second.SessionID)
	}
}

func TestSaveSanitizesAndPersists(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.EnsureProfile(); err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}

	saved, saveErr := store.Save("<b>Bob</b>", "https://example.com/me.png")
	if saveErr != nil {
		t.Fatalf("Save failed: %v", saveErr)
	}
	if saved.Name != "Bob" {
		t.Errorf("name not sanitized: %q", saved.Name)
	}
	if saved.AvatarURL != "https://example.com/me.png" {
		t.Errorf("avatar mangled: %q", saved.AvatarURL)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Name != "Bob" || loaded.AvatarURL != saved.AvatarURL {
		t.Errorf("persisted profile mismatch: %+v", loaded)
	}
}

func TestSaveRejectsEmptyName(t *testing.T) {
	store := openTestStore(t)

	for _, name := range []string{"", "   ", "<script></script>", strings.Repeat(" ", 60)} {
		_, saveErr := store.Save(name, "")
		if saveErr == nil {
			t.Errorf("Save(%q) succeeded, want validation error", name)
			continue
		}
		if saveErr.Code != errs.ErrNameInvalid {
			t.Errorf("Save(%q) error code = %d, want %d", name, saveErr.Code, errs.ErrNameInvalid)
		}
	}
}

func TestSaveRejectsBadAvatarSchemeAndKeepsPrevious(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.EnsureProfile(); err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}
	if _, saveErr := store.Save("Alice", "https://example.com/old.png"); saveErr != nil {
		t.Fatalf("initial Save failed: %v", saveErr)
	}

	_, saveErr := store.Save("Alice", "ftp://x/y.png")
	if saveErr == nil {
		t.Fatal("Save with ftp avatar succeeded, want validation error")
	}
	if saveErr.Code != errs.ErrAvatarURLInvalid {
		t.Errorf("error code = %d, want %d", saveErr.Code, errs.ErrAvatarURLInvalid)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.AvatarURL != "https://example.com/old.png" {
		t.Errorf("previous avatar not preserved: %q", loaded.AvatarURL)
	}
}
