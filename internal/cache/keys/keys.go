package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefPrefix = "mapfront:pref"

const maxNameTextLen = 120

// Pref builds the storage key for one preference. The readable part is
// sanitized and truncated; the hash suffix is taken over the raw tuple so
// names that sanitize to the same text still get distinct keys.
func Pref(scope, category, name string) string {
	scope = strings.TrimSpace(scope)
	category = strings.TrimSpace(category)
	name = collapseASCIIWhitespace(name)

	nameSafe := sanitizeForKey(name)
	if len(nameSafe) > maxNameTextLen {
		nameSafe = nameSafe[:maxNameTextLen]
	}
	if scope == "" {
		scope = "default"
	}

	d := xxhash.New()
	_, _ = d.WriteString(scope)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(category)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(name)

	return fmt.Sprintf("%s:%s:%s:%s:h=%016x",
		prefPrefix, sanitizeForKey(scope), sanitizeForKey(category), nameSafe, d.Sum64())
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// separators and non-ASCII runes become '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
