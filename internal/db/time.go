package db

import "time"

// Timestamps are stored as zero-padded UTC ISO-8601 strings so that
// lexicographic comparison matches chronological order.
const tsFormat = "2006-01-02T15:04:05Z07:00"

// FormatTS renders t as the canonical stored timestamp string.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

// NowTS returns the current time as a stored timestamp string.
func NowTS() string {
	return FormatTS(time.Now())
}

// ParseTS parses a stored timestamp. The second return is false for
// empty or malformed values.
func ParseTS(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
