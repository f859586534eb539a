/*
Package identity manages the persisted anonymous session identity.

The identity lives in a local pebble key-value store: an opaque session id
generated once with a cryptographically strong random source, plus the
sanitized display name and avatar URL. There is no network I/O here; the
store is read at startup and written only through the sanitizing save path.
*/
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog"

	"chatkat/internal/app/user"
	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/pkg/randx"
	"chatkat/internal/sanitize"
)

// Persisted key names. They mirror the original client's storage keys so a
// dump of the store reads naturally.
const (
	keySessionID  = "sessionId"
	keyUserName   = "userName"
	keyProfilePic = "profilePic"
)

// Store is a pebble-backed identity store.
type Store struct {
	db     *pebble.DB
	logger zerolog.Logger
}

// Open opens (or creates) the identity store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create identity dir: %w", err)
	}

	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	storeLogger := logx.Logger().With().Str("component", "IdentityStore").Logger()

	return &Store{db: db, logger: storeLogger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// get reads a single key, returning "" when the key is absent.
func (s *Store) get(key string) (string, error) {
	value, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}

	out := string(value)
	if err := closer.Close(); err != nil {
		return "", fmt.Errorf("failed to release read of %q: %w", key, err)
	}

	return out, nil
}

// Load returns the persisted profile, or nil when no identity exists yet.
// Name and avatar are re-sanitized on the way out: persisted data may come
// from an older, less strict version of the application.
func (s *Store) Load() (*user.Profile, error) {
	sessionID, err := s.get(keySessionID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, nil
	}

	name, err := s.get(keyUserName)
	if err != nil {
		return nil, err
	}

	avatar, err := s.get(keyProfilePic)
	if err != nil {
		return nil, err
	}

	return &user.Profile{
		SessionID: sessionID,
		Name:      sanitize.Name(name),
		AvatarURL: sanitize.ProfilePicURL(avatar),
	}, nil
}

// EnsureProfile returns the persisted profile, creating one with a fresh
// session id and a random nickname on first use.
func (s *Store) EnsureProfile() (*user.Profile, error) {
	profile, err := s.Load()
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}

	sessionID, err := randx.SessionID()
	if err != nil {
		return nil, err
	}

	nickname, err := randx.DefaultNickname()
	if err != nil {
		return nil, err
	}

	profile = &user.Profile{SessionID: sessionID, Name: nickname}

	if err := s.persist(profile); err != nil {
		return nil, err
	}

	s.logger.Info().Str("session_id", sessionID).Msg("Created new anonymous identity.")
	return profile, nil
}

// Save sanitizes and persists a new name and avatar URL for the existing
// identity. It fails with a validation error if the sanitized name is empty
// or a non-empty avatar URL does not survive sanitization; on failure
// nothing is written and the previous profile remains in effect.
func (s *Store) Save(name, avatarURL string) (*user.Profile, *errs.CustomError) {
	cleanName := sanitize.Name(name)
	if cleanName == "" {
		return nil, errs.NewError(errs.ErrNameInvalid)
	}

	cleanAvatar := ""
	if avatarURL != "" {
		cleanAvatar = sanitize.ProfilePicURL(avatarURL)
		if cleanAvatar == "" {
			return nil, errs.NewError(errs.ErrAvatarURLInvalid)
		}
	}

	sessionID, err := s.get(keySessionID)
	if err != nil {
		logx.Error(err, "Failed to read session id during profile save")
		return nil, errs.NewError(errs.ErrUnknown, err)
	}

	if sessionID == "" {
		sessionID, err = randx.SessionID()
		if err != nil {
			return nil, errs.NewError(errs.ErrUnknown, err)
		}
	}

	profile := &user.Profile{
		SessionID: sessionID,
		Name:      cleanName,
		AvatarURL: cleanAvatar,
	}

	if err := s.persist(profile); err != nil {
		logx.Error(err, "Failed to persist profile")
		return nil, errs.NewError(errs.ErrUnknown, err)
	}

	return profile, nil
}

// persist writes all three identity keys atomically.
func (s *Store) persist(profile *user.Profile) error {
	batch := s.db.NewBatch()

	if err := batch.Set([]byte(keySessionID), []byte(profile.SessionID), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyUserName), []byte(profile.Name), nil); err != nil {
		return err
	}
	if err := batch.Set([]byte(keyProfilePic), []byte(profile.AvatarURL), nil); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}
