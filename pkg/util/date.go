package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// UnixAuto converts an epoch that may be in seconds, milliseconds or nanoseconds.
func UnixAuto(ts int64) time.Time {
	switch {
	case ts > 1e17:
		return time.Unix(0, ts)
	case ts > 1e11:
		return time.UnixMilli(ts)
	default:
		return time.Unix(ts, 0)
	}
}
