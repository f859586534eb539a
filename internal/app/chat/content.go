/*
Package chat contains the client-side state coordinator that reconciles the
realtime streams into consistent chat state.

This file implements the message content rendering contract: message text is
broken into an ordered sequence of typed spans so the presentation layer
never touches raw HTML or unvetted URLs.
*/
package chat

import (
	"strings"
	"unicode"

	"chatkat/internal/sanitize"
)

// SpanKind discriminates rendered content spans.
type SpanKind string

const (
	// SpanText is a literal text run.
	SpanText SpanKind = "text"

	// SpanLink is a clickable, sanitized URL.
	SpanLink SpanKind = "link"

	// SpanImage is an inline image whose URL passed image sanitization.
	SpanImage SpanKind = "image"

	// SpanInvalidURL marks a URL-shaped token that failed sanitization.
	// It renders as a literal marker instead of a clickable link.
	SpanInvalidURL SpanKind = "invalid_url"
)

// InvalidURLMarker is the literal shown in place of a rejected URL token.
const InvalidURLMarker = "[Invalid URL]"

// Span is one typed run of message content.
type Span struct {
	Kind SpanKind

	// Value holds the literal text for SpanText and SpanInvalidURL.
	Value string `json:",omitempty"`

	// URL holds the sanitized target for SpanLink and SpanImage.
	URL string `json:",omitempty"`

	// Label holds the original token for SpanLink display.
	Label string `json:",omitempty"`
}

// RenderContent converts message text into ordered content spans.
//
// If the entire trimmed text is a valid image URL the message renders as a
// single image span. Otherwise the text is scanned left to right for
// http(s):// tokens; each candidate is sanitized independently, and tokens
// that fail become the literal invalid marker rather than being dropped.
// Non-URL text round-trips through text spans unchanged.
func RenderContent(text string) []Span {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if imageURL := sanitize.ImageURL(trimmed); imageURL != "" {
		return []Span{{Kind: SpanImage, URL: imageURL}}
	}

	spans := make([]Span, 0, 4)
	rest := text

	for {
		start := nextURLIndex(rest)
		if start < 0 {
			break
		}

		if start > 0 {
			spans = append(spans, Span{Kind: SpanText, Value: rest[:start]})
		}

		token := rest[start:]
		if end := strings.IndexFunc(token, unicode.IsSpace); end >= 0 {
			token = token[:end]
		}

		if cleanURL := sanitize.URL(token); cleanURL != "" {
			spans = append(spans, Span{Kind: SpanLink, URL: cleanURL, Label: token})
		} else {
			spans = append(spans, Span{Kind: SpanInvalidURL, Value: InvalidURLMarker})
		}

		rest = rest[start+len(token):]
	}

	if rest != "" {
		spans = append(spans, Span{Kind: SpanText, Value: rest})
	}

	return spans
}

// nextURLIndex returns the index of the first http(s):// token start in s,
// or -1 when none remains.
func nextURLIndex(s string) int {
	httpIdx := strings.Index(s, "http://")
	httpsIdx := strings.Index(s, "https://")

	switch {
	case httpIdx < 0:
		return httpsIdx
	case httpsIdx < 0:
		return httpIdx
	case httpIdx < httpsIdx:
		return httpIdx
	default:
		return httpsIdx
	}
}
