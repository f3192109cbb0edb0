package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"outreach ID format", OutreachIDPrefix, 24, 27},
		{"message ID format", MessageIDPrefix, 24, 28},
		{"empty prefix", "", 8, 8},
		{"zero length", "x_", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestNewIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)

	for i := 0; i < iterations; i++ {
		id := NewID(ConversationIDPrefix)
		if seen[id] {
			t.Errorf("NewID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func TestRandomDuration(t *testing.T) {
	min, max := 30*time.Second, 90*time.Second
	for i := 0; i < 500; i++ {
		d := RandomDuration(min, max)
		if d < min || d > max {
			t.Fatalf("RandomDuration() = %v, outside [%v, %v]", d, min, max)
		}
	}
	if d := RandomDuration(time.Minute, time.Second); d != time.Minute {
		t.Errorf("inverted range should return min, got %v", d)
	}
	if d := RandomDuration(time.Second, time.Second); d != time.Second {
		t.Errorf("equal bounds should return the bound, got %v", d)
	}
}

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"+15551234567": "+*******4567",
		"5551234":      "***1234",
		"1234":         "****",
		"":             "****",
	}
	for in, want := range tests {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}

// Helper function to validate hex strings
func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
