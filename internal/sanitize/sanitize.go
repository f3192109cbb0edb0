// Package sanitize cleans untrusted model output before it reaches an SMS gateway.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

// MaxLength is the maximum rune length of sanitized output.
const MaxLength = 300

const ellipsis = "..."

// Result describes what Sanitize did to its input.
type Result struct {
	Text      string
	Modified  bool
	Truncated bool
}

// Sanitize returns text stripped of control and invisible formatting characters,
// with whitespace collapsed and the length capped at MaxLength runes.
func Sanitize(text string) string {
	return SanitizeWithReport(text).Text
}

// SanitizeWithReport is Sanitize plus a report of whether the text changed.
func SanitizeWithReport(text string) Result {
	var b strings.Builder
	b.Grow(len(text))

	// pendingSpace defers writing a space until a visible rune follows, which
	// both collapses runs and trims both ends.
	pendingSpace := false
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if r == utf8.RuneError && size <= 1 {
			continue
		}
		if isStripped(r) {
			continue
		}
		if isSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}

	out := b.String()
	truncated := false
	if utf8.RuneCountInString(out) > MaxLength {
		runes := []rune(out)
		out = strings.TrimRight(string(runes[:MaxLength-len(ellipsis)]), " ") + ellipsis
		truncated = true
	}

	return Result{
		Text:      out,
		Modified:  out != text,
		Truncated: truncated,
	}
}

// isStripped reports runes that are removed outright: ASCII control characters
// other than tab and newline, zero-width characters and bidi controls.
func isStripped(r rune) bool {
	switch {
	case r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	case r >= 0x200B && r <= 0x200D:
		return true
	case r == 0x2060 || r == 0xFEFF:
		return true
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	}
	return false
}

// isSpace reports runes collapsed into a single ASCII space.
func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', 0x85, 0xA0, 0x1680, 0x2028, 0x2029, 0x202F, 0x205F, 0x3000:
		return true
	}
	return r >= 0x2000 && r <= 0x200A
}
