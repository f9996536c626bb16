// Package notify dispatches incident and fleet-health notifications through
// Shoutrrr and records every delivery decision, including skips, so the
// notification log explains why something did or did not go out.
package notify

import (
	"database/sql"
	"sort"
	"strconv"
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/settings"
	"fleetmon/internal/severity"
)

const (
	minRateLimitSec = 30
	maxRateLimitSec = 86400
	defRateLimitSec = 300

	minEscalationSec = 60
	maxEscalationSec = 604800
	defEscalationSec = 1800
)

// Settings is the resolved notification dispatch policy.
type Settings struct {
	NotifyTelegram    bool           `json:"notify_telegram"`
	NotifyEmail       bool           `json:"notify_email"`
	MuteUntilRaw      string         `json:"mute_until"`
	RateLimitSec      int            `json:"rate_limit_sec"`
	EscalationSec     int            `json:"escalation_sec"`
	MinSeverity       severity.Level `json:"min_severity"`
	StaleAlwaysNotify bool           `json:"stale_always_notify"`

	// MuteUntil is zero when mute_until is unset or unparseable.
	MuteUntil time.Time `json:"-"`
}

// Muted reports whether all notifications are suppressed at the given time.
func (s Settings) Muted(now time.Time) bool {
	return !s.MuteUntil.IsZero() && now.Before(s.MuteUntil)
}

// Update is a partial settings mutation. Nil fields are left untouched.
type Update struct {
	NotifyTelegram    *bool   `json:"notify_telegram"`
	NotifyEmail       *bool   `json:"notify_email"`
	MuteUntil         *string `json:"mute_until"`
	RateLimitSec      *int    `json:"rate_limit_sec"`
	EscalationSec     *int    `json:"escalation_sec"`
	MinSeverity       *string `json:"min_severity"`
	StaleAlwaysNotify *bool   `json:"stale_always_notify"`
}

// ValidationError is a client error naming the rejected field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "invalid_" + e.Field
}

// Normalize resolves raw stored values into usable settings. Out-of-range
// numbers are clamped and unparseable values fall back to defaults, so a
// hand-edited settings table can never disable the dispatcher outright.
func Normalize(raw map[string]string) Settings {
	s := Settings{
		NotifyTelegram:    parseBool(raw["notify_telegram"], true),
		NotifyEmail:       parseBool(raw["notify_email"], false),
		MuteUntilRaw:      raw["mute_until"],
		RateLimitSec:      clampInt(raw["rate_limit_sec"], defRateLimitSec, minRateLimitSec, maxRateLimitSec),
		EscalationSec:     clampInt(raw["escalation_sec"], defEscalationSec, minEscalationSec, maxEscalationSec),
		StaleAlwaysNotify: parseBool(raw["stale_always_notify"], true),
	}
	if lvl, ok := severity.Parse(raw["min_severity"]); ok {
		s.MinSeverity = lvl
	} else {
		s.MinSeverity = severity.Bad
	}
	if t, ok := db.ParseTS(s.MuteUntilRaw); ok {
		s.MuteUntil = t
	}
	return s
}

// Load reads and resolves the notification settings.
func Load(conn *sql.DB) (Settings, error) {
	raw, err := settings.GetCategoryMap(conn, settings.CategoryNotifications)
	if err != nil {
		return Settings{}, err
	}
	return Normalize(raw), nil
}

// ApplyUpdate validates and persists a partial settings change, returning
// the resolved settings and the sorted list of keys that changed. Numbers
// are clamped; enum and timestamp fields are rejected with a
// ValidationError rather than coerced.
func ApplyUpdate(conn *sql.DB, upd Update) (Settings, []string, error) {
	changes := make(map[string]string)

	if upd.NotifyTelegram != nil {
		changes["notify_telegram"] = strconv.FormatBool(*upd.NotifyTelegram)
	}
	if upd.NotifyEmail != nil {
		changes["notify_email"] = strconv.FormatBool(*upd.NotifyEmail)
	}
	if upd.MuteUntil != nil {
		v := *upd.MuteUntil
		if v != "" {
			if _, ok := db.ParseTS(v); !ok {
				return Settings{}, nil, &ValidationError{Field: "mute_until_iso"}
			}
		}
		changes["mute_until"] = v
	}
	if upd.RateLimitSec != nil {
		changes["rate_limit_sec"] = strconv.Itoa(clampRange(*upd.RateLimitSec, minRateLimitSec, maxRateLimitSec))
	}
	if upd.EscalationSec != nil {
		changes["escalation_sec"] = strconv.Itoa(clampRange(*upd.EscalationSec, minEscalationSec, maxEscalationSec))
	}
	if upd.MinSeverity != nil {
		if _, ok := severity.Parse(*upd.MinSeverity); !ok {
			return Settings{}, nil, &ValidationError{Field: "min_severity"}
		}
		changes["min_severity"] = *upd.MinSeverity
	}
	if upd.StaleAlwaysNotify != nil {
		changes["stale_always_notify"] = strconv.FormatBool(*upd.StaleAlwaysNotify)
	}

	if len(changes) > 0 {
		if err := settings.UpdateCategory(conn, settings.CategoryNotifications, changes); err != nil {
			return Settings{}, nil, err
		}
	}

	resolved, err := Load(conn)
	if err != nil {
		return Settings{}, nil, err
	}
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return resolved, keys, nil
}

func parseBool(raw string, fallback bool) bool {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	default:
		return fallback
	}
}

func clampInt(raw string, fallback, min, max int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return clampRange(v, min, max)
}

func clampRange(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
