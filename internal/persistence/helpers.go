package persistence

import "time"

// Timestamps are stored as Unix milliseconds across the schema; zero time
// maps to 0 so "never" sorts before every real instant.

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
