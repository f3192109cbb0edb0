package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses an "HH:MM" wall-clock string into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSendWindow, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidSendWindow, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidSendWindow, s)
	}
	return h*60 + m, nil
}

// WithinWindow reports whether the wall-clock time of now lies in [start, end], both
// inclusive at minute resolution. When end is before start the window wraps midnight.
func WithinWindow(now time.Time, start, end string) (bool, error) {
	s, err := ParseClock(start)
	if err != nil {
		return false, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return false, err
	}
	cur := now.Hour()*60 + now.Minute()
	if s <= e {
		return cur >= s && cur <= e, nil
	}
	return cur >= s || cur <= e, nil
}
