// Package incident reconciles classified alerts into durable incident rows
// and drives the incident lifecycle: open, acked, silenced, resolved.
package incident

import (
	"errors"

	"fleetmon/internal/severity"
)

// Incident lifecycle statuses. Resolved rows stay in the table for the
// audit trail; everything else counts as active.
const (
	StatusOpen     = "open"
	StatusAcked    = "acked"
	StatusSilenced = "silenced"
	StatusResolved = "resolved"
)

// ErrNotFound is returned when no incident exists for a (central, code) key.
var ErrNotFound = errors.New("incident_not_found")

// Incident is one durable incident row plus the derived view fields
// computed against the current policy at read time.
type Incident struct {
	CentralID     string         `json:"central_id"`
	Code          string         `json:"code"`
	VehicleID     string         `json:"vehicle_id"`
	Severity      severity.Level `json:"severity"`
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	FirstSeenTs   string         `json:"first_seen_ts"`
	LastSeenTs    string         `json:"last_seen_ts"`
	ResolvedTs    string         `json:"resolved_ts,omitempty"`
	Occurrences   int            `json:"occurrences"`
	AckedAt       string         `json:"acked_at,omitempty"`
	AckedBy       string         `json:"acked_by,omitempty"`
	SilencedUntil string         `json:"silenced_until,omitempty"`
	SilencedBy    string         `json:"silenced_by,omitempty"`
	UpdatedAt     string         `json:"updated_at"`

	AgeSec         int  `json:"age_sec"`
	LastSeenAgeSec int  `json:"last_seen_age_sec"`
	SLATargetSec   int  `json:"sla_target_sec"`
	SLABreached    bool `json:"sla_breached"`
}

// Active reports whether the incident still needs operator attention.
func (i Incident) Active() bool { return i.Status != StatusResolved }

// Filter narrows the incident list. Zero values match everything.
type Filter struct {
	Status          string
	Severity        string
	CentralID       string
	Code            string
	Query           string
	IncludeResolved bool
	SLABreachedOnly bool
	Limit           int
}

// Summary reports what one reconciliation pass changed.
type Summary struct {
	ActiveTotal int `json:"active_total"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Resolved    int `json:"resolved"`
	Notify      int `json:"notify_total"`
}

// Event is an incident transition worth notifying about.
type Event struct {
	CentralID string         `json:"central_id"`
	Code      string         `json:"code"`
	Severity  severity.Level `json:"severity"`
	Event     string         `json:"event"`
	Message   string         `json:"message"`
}

// Totals is the status and severity breakdown over the incident table.
type Totals struct {
	Total       int `json:"total"`
	Open        int `json:"open"`
	Acked       int `json:"acked"`
	Silenced    int `json:"silenced"`
	Resolved    int `json:"resolved"`
	Good        int `json:"good"`
	Warn        int `json:"warn"`
	Bad         int `json:"bad"`
	SLABreached int `json:"sla_breached"`
}

// Action is one row of the operator action log.
type Action struct {
	ID            int64  `json:"id"`
	Ts            string `json:"ts"`
	Action        string `json:"action"`
	CentralID     string `json:"central_id"`
	Code          string `json:"code"`
	Actor         string `json:"actor,omitempty"`
	Note          string `json:"note,omitempty"`
	SilencedUntil string `json:"silenced_until,omitempty"`
}

func statusRank(status string) int {
	switch status {
	case StatusOpen:
		return 0
	case StatusAcked:
		return 1
	case StatusSilenced:
		return 2
	default:
		return 3
	}
}
