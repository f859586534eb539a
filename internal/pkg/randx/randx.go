/*
Package randx provides cryptographically secure random identifiers.

It generates the opaque per-browser-profile session ids used as the sole
identity key for presence, typing, and message ownership, and UUID message
ids assigned by the hub.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// SessionIDPrefix is the prefix carried by every generated session id.
	SessionIDPrefix = "guest_"

	// SessionIDRawLength is the number of Base62 characters after the prefix.
	// 22 characters of Base62 carry just over 130 bits of entropy, enough to
	// make collisions negligible at any plausible session count.
	SessionIDRawLength = 22
)

// base62String returns length characters drawn uniformly from Base62Chars
// using crypto/rand.
func base62String(length int) (string, error) {
	result := make([]byte, length)

	for i := range length {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %v", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// SessionID generates a new opaque session identifier.
func SessionID() (string, error) {
	raw, err := base62String(SessionIDRawLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}

	return SessionIDPrefix + raw, nil
}

// IsValidSessionID checks if the given string has the shape of a generated
// session id: the prefix followed by exactly SessionIDRawLength Base62
// characters.
func IsValidSessionID(id string) bool {
	if !strings.HasPrefix(id, SessionIDPrefix) {
		return false
	}

	rawID := id[len(SessionIDPrefix):]

	if len(rawID) != SessionIDRawLength {
		return false
	}

	for _, char := range rawID {
		if !strings.ContainsRune(Base62Chars, char) {
			return false
		}
	}

	return true
}

// MessageID generates a UUID v4 string to serve as a unique message identifier.
func MessageID() string {
	return uuid.New().String()
}

// DefaultNickname generates a random display name with an "Anon_" prefix,
// used when a profile is created before the user picks a name.
func DefaultNickname() (string, error) {
	const nicknameRandomLength = 6

	raw, err := base62String(nicknameRandomLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate nickname: %w", err)
	}

	return "Anon_" + raw, nil
}
