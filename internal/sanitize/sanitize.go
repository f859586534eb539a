/*
Package sanitize contains the string validation and cleaning functions that
guard every path where user-supplied data enters state, the DOM, a style
attribute, or a file path.

Every function is total: it never panics and never errors. A non-empty
result is safe to place directly into an href, a style value, or a storage
key without further escaping by the caller.
*/
package sanitize

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxNameLength is the display name cap in characters.
	MaxNameLength = 50

	// MaxFileNameLength is the sanitized file name cap in characters.
	MaxFileNameLength = 100

	// MaxProfilePicURLLength is the avatar URL cap in characters.
	MaxProfilePicURLLength = 500
)

// dangerousSchemes are URL prefixes rejected outright before any parsing.
var dangerousSchemes = []string{
	"javascript:",
	"data:",
	"vbscript:",
	"file:",
	"about:",
}

// imageExtensions are the path suffixes accepted by ImageURL.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg"}

// imageHosts are hostname fragments of known image/CDN origins. URLs on
// these hosts are accepted as images even without an image extension.
var imageHosts = []string{"imgur", "cloudinary", "supabase", "firebasestorage"}

// namePolicy strips all HTML from display names.
var namePolicy = bluemonday.StrictPolicy()

// windowsReservedNames are device names that must not become file names.
var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// URL validates and normalizes a user-supplied URL.
// It rejects dangerous schemes, requires http or https, and returns the
// parser-normalized absolute form, or "" on any failure.
func URL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}

	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return ""
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return ""
	}

	return u.String()
}

// ImageURL validates a URL and additionally requires it to plausibly point
// at an image: an image file extension, an image-ish path, or a known image
// host. This gate keeps arbitrary-origin embeds out of inline rendering.
func ImageURL(raw string) string {
	sanitized := URL(raw)
	if sanitized == "" {
		return ""
	}

	u, err := url.Parse(sanitized)
	if err != nil {
		return ""
	}

	path := strings.ToLower(u.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return sanitized
		}
	}

	if strings.Contains(path, "/image") {
		return sanitized
	}

	host := strings.ToLower(u.Hostname())
	for _, fragment := range imageHosts {
		if strings.Contains(host, fragment) {
			return sanitized
		}
	}

	return ""
}

// CSSURL validates a URL and escapes the characters that could break out of
// a CSS url(...) declaration.
func CSSURL(raw string) string {
	sanitized := URL(raw)
	if sanitized == "" {
		return ""
	}

	replacer := strings.NewReplacer(
		"'", "\\'",
		`"`, `\"`,
		"(", "\\(",
		")", "\\)",
		";", "\\;",
	)

	return replacer.Replace(sanitized)
}

// ProfilePicURL validates an avatar URL: http(s) only and capped at
// MaxProfilePicURLLength characters. The result is a plain URL; callers
// interpolating it into a style value apply CSSURL at that boundary.
func ProfilePicURL(raw string) string {
	sanitized := URL(raw)
	if sanitized == "" {
		return ""
	}

	if len(sanitized) > MaxProfilePicURLLength {
		return ""
	}

	return sanitized
}

// Name strips HTML from a display name, trims it, and caps it at
// MaxNameLength characters.
func Name(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicy entity-escapes the surviving text; unescape to keep the
	// stored name plain.
	cleaned := html.UnescapeString(namePolicy.Sanitize(raw))
	cleaned = strings.TrimSpace(cleaned)

	runes := []rune(cleaned)
	if len(runes) > MaxNameLength {
		cleaned = string(runes[:MaxNameLength])
	}

	return strings.TrimSpace(cleaned)
}

// FileName makes a user-supplied file name safe to use as a storage key
// path segment. Path traversal sequences, separators and null bytes are
// removed, disallowed characters become underscores, leading and trailing
// dots are dropped, and reserved device names get a "file_" prefix. An
// empty result falls back to "file".
func FileName(raw string) string {
	if raw == "" {
		return "file"
	}

	cleaned := strings.ReplaceAll(raw, "..", "")
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		case '<', '>', ':', '"', '|', '?', '*':
			return '_'
		}
		return r
	}, cleaned)

	cleaned = strings.TrimLeft(cleaned, ".")
	cleaned = strings.TrimRight(cleaned, ".")

	var b strings.Builder
	for _, r := range cleaned {
		switch {
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	cleaned = b.String()

	if len(cleaned) > MaxFileNameLength {
		cleaned = cleaned[:MaxFileNameLength]
	}

	if cleaned == "" || cleaned == "." {
		return "file"
	}

	base, _, _ := strings.Cut(cleaned, ".")
	if _, reserved := windowsReservedNames[strings.ToUpper(base)]; reserved {
		return "file_" + cleaned
	}

	return cleaned
}

// IsImageURL reports whether the URL survives image sanitization.
func IsImageURL(raw string) bool {
	return ImageURL(raw) != ""
}

// IsSafeURL reports whether the URL survives basic sanitization.
func IsSafeURL(raw string) bool {
	return URL(raw) != ""
}
