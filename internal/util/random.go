// Package util provides small helpers shared across OutreachPipe components.
package util

import (
	"math/rand/v2"
	"strings"
	"time"
)

// ID prefixes for persisted records.
const (
	OutreachIDPrefix     = "om_"
	ConversationIDPrefix = "cv_"
	MessageIDPrefix      = "msg_"
	PendingReplyIDPrefix = "par_"
	OptOutIDPrefix       = "oo_"
	AuditIDPrefix        = "aud_"
	PlayerBonusIDPrefix  = "pb_"
)

const idHexLength = 24

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; the IDs are not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewID returns a prefixed record ID.
func NewID(prefix string) string {
	return GenerateRandomID(prefix, idHexLength)
}

// RandomDuration returns a uniformly distributed duration in [min, max].
// When max <= min it returns min.
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
