package sanitize

import (
	"strings"
	"testing"
	"testing/quick"
	"unicode/utf8"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hey there!", "Hey there!"},
		{"empty", "", ""},
		{"whitespace only", " \n\t ", ""},
		{"collapse runs", "Hi   there\n\nfriend", "Hi there friend"},
		{"trim", "  hello  ", "hello"},
		{"control chars", "a\x00b\x07c\x1fd\x7fe", "abcde"},
		{"zero width", "bo\u200bnus\u200c \u200dcode\u2060\ufeff", "bonus code"},
		{"bidi overrides", "\u202aleft\u202e right\u2066x\u2069", "left rightx"},
		{"invalid utf8", "ok\xff\xfe go", "ok go"},
		{"keeps unicode", "¡Hola! 🎰 Café", "¡Hola! 🎰 Café"},
		{"nbsp collapses", "a\u00a0 b", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeTruncation(t *testing.T) {
	in := strings.Repeat("a", 500)
	res := SanitizeWithReport(in)
	if !res.Truncated || !res.Modified {
		t.Fatalf("expected truncated and modified, got %+v", res)
	}
	if n := utf8.RuneCountInString(res.Text); n != MaxLength {
		t.Errorf("expected %d runes, got %d", MaxLength, n)
	}
	if !strings.HasSuffix(res.Text, "...") {
		t.Errorf("truncated text should end with ellipsis: %q", res.Text)
	}

	exact := strings.Repeat("b", MaxLength)
	res = SanitizeWithReport(exact)
	if res.Truncated || res.Modified || res.Text != exact {
		t.Errorf("text at the limit should pass through untouched: %+v", res)
	}
}

func TestSanitizeTruncationTrimsBeforeEllipsis(t *testing.T) {
	// rune 297 is a space, so the cut would end in whitespace
	in := strings.Repeat("x", 296) + " " + strings.Repeat("y", 50)
	got := Sanitize(in)
	if strings.Contains(got, " ...") {
		t.Errorf("expected trailing space trimmed before ellipsis, got %q", got[len(got)-10:])
	}
	if !strings.HasSuffix(got, "x...") {
		t.Errorf("unexpected tail %q", got[len(got)-10:])
	}
}

func TestSanitizeMultibyteTruncation(t *testing.T) {
	in := strings.Repeat("é", 400)
	got := Sanitize(in)
	if !utf8.ValidString(got) {
		t.Fatal("truncation produced invalid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != MaxLength {
		t.Errorf("expected %d runes, got %d", MaxLength, n)
	}
}

func TestSanitizeReportUnmodified(t *testing.T) {
	res := SanitizeWithReport("Good luck tonight!")
	if res.Modified || res.Truncated {
		t.Errorf("clean text should be reported unmodified: %+v", res)
	}
}

func TestSanitizeProperties(t *testing.T) {
	property := func(s string) bool {
		out := Sanitize(s)
		if utf8.RuneCountInString(out) > MaxLength {
			return false
		}
		if strings.Contains(out, "  ") || out != strings.TrimSpace(out) {
			return false
		}
		for _, r := range out {
			if isStripped(r) || (r != ' ' && isSpace(r)) {
				return false
			}
		}
		return Sanitize(out) == out
	}
	if err := quick.Check(property, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

func TestSanitizeEllipsisOnlyWhenTruncated(t *testing.T) {
	long := strings.Repeat("word ", 100)
	if res := SanitizeWithReport(long); !res.Truncated || !strings.HasSuffix(res.Text, "...") {
		t.Errorf("expected truncation: %+v", res)
	}
	short := "short message"
	if res := SanitizeWithReport(short); res.Truncated || strings.HasSuffix(res.Text, "...") {
		t.Errorf("unexpected truncation: %+v", res)
	}
}
