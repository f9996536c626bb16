// Package severity defines the three-level health scale used across the
// fleet backend and its total ordering for ranking and dominance logic.
package severity

import (
	"encoding/json"
	"strings"
)

// Level is a node or alert health severity. Levels are totally ordered:
// Bad > Warn > Good.
type Level int

const (
	Good Level = 0
	Warn Level = 1
	Bad  Level = 2
)

func (l Level) String() string {
	switch l {
	case Good:
		return "good"
	case Warn:
		return "warn"
	case Bad:
		return "bad"
	default:
		return "bad"
	}
}

// Rank returns the position of l in the total order. Higher is worse.
func (l Level) Rank() int {
	if l < Good || l > Bad {
		return int(Bad)
	}
	return int(l)
}

// Parse maps a severity string to a Level. The second return reports
// whether the input named a known level.
func Parse(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "good":
		return Good, true
	case "warn":
		return Warn, true
	case "bad":
		return Bad, true
	default:
		return Bad, false
	}
}

// Normalize maps a severity string to a Level, treating anything unknown
// as Bad. Matches the read-side normalization of the alert feed.
func Normalize(s string) Level {
	l, _ := Parse(s)
	return l
}

// Max returns the worse of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AtLeast reports whether l meets the given minimum severity.
func AtLeast(l, min Level) bool {
	return l.Rank() >= min.Rank()
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = Normalize(s)
	return nil
}
