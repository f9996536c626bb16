package incident

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"fleetmon/internal/db"
	"fleetmon/internal/fleet"
	"fleetmon/internal/severity"
)

const maxMergedMessages = 5

// aggregated is the merged view of all current alerts sharing one
// (central, code) key, the unit an incident row tracks.
type aggregated struct {
	VehicleID     string
	Severity      severity.Level
	Status        string
	Message       string
	AckedAt       string
	AckedBy       string
	SilencedUntil string
	SilencedBy    string
}

func alertStatus(a fleet.Alert) string {
	if a.Silenced {
		return StatusSilenced
	}
	if a.AckedAt != "" {
		return StatusAcked
	}
	return StatusOpen
}

func aggregateAlerts(nodes []fleet.Node) map[fleet.StateKey]aggregated {
	out := make(map[fleet.StateKey]aggregated)
	messages := make(map[fleet.StateKey][]string)
	for _, node := range nodes {
		for _, a := range node.Alerts {
			code := a.Code
			if code == "" {
				code = "alert"
			}
			key := fleet.StateKey{CentralID: node.CentralID, Code: code}
			agg, seen := out[key]
			if !seen {
				agg = aggregated{VehicleID: node.VehicleID, Severity: a.Severity, Status: alertStatus(a)}
			}
			if a.Severity.Rank() > agg.Severity.Rank() {
				agg.Severity = a.Severity
			}
			if statusRank(alertStatus(a)) > statusRank(agg.Status) {
				agg.Status = alertStatus(a)
			}
			if a.AckedAt != "" && agg.AckedAt == "" {
				agg.AckedAt, agg.AckedBy = a.AckedAt, a.AckedBy
			}
			if a.Silenced && agg.SilencedUntil == "" {
				agg.SilencedUntil, agg.SilencedBy = a.SilencedUntil, a.SilencedBy
			}
			if a.Message != "" && len(messages[key]) < maxMergedMessages && !contains(messages[key], a.Message) {
				messages[key] = append(messages[key], a.Message)
			}
			out[key] = agg
		}
	}
	for key, agg := range out {
		agg.Message = strings.Join(messages[key], " | ")
		out[key] = agg
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// notifyCandidate reports whether a transition for this alert should be
// forwarded to the notification pipeline. Staleness codes always qualify
// because a stale central may never escalate to bad on its own.
func notifyCandidate(sev severity.Level, code string) bool {
	return sev == severity.Bad || strings.Contains(code, "stale")
}

type previousRow struct {
	Status      string
	Severity    severity.Level
	Occurrences int
}

// Sync reconciles the incident table against the current classified fleet
// state in one pass: upserts a row per active (central, code) alert key and
// resolves rows whose condition cleared. It returns the pass summary and
// the transition events worth notifying about.
func Sync(conn *sql.DB, nodes []fleet.Node, now string) (Summary, []Event, error) {
	active := aggregateAlerts(nodes)

	existing := make(map[fleet.StateKey]previousRow)
	rows, err := conn.Query(`SELECT central_id, code, status, severity, occurrences FROM incidents`)
	if err != nil {
		return Summary{}, nil, fmt.Errorf("failed to load incidents: %w", err)
	}
	for rows.Next() {
		var key fleet.StateKey
		var prev previousRow
		var sev string
		if err := rows.Scan(&key.CentralID, &key.Code, &prev.Status, &sev, &prev.Occurrences); err != nil {
			rows.Close()
			return Summary{}, nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		prev.Severity = severity.Normalize(sev)
		existing[key] = prev
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Summary{}, nil, fmt.Errorf("failed to read incidents: %w", err)
	}
	rows.Close()

	keys := make([]fleet.StateKey, 0, len(active))
	for key := range active {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CentralID != keys[j].CentralID {
			return keys[i].CentralID < keys[j].CentralID
		}
		return keys[i].Code < keys[j].Code
	})

	tx, err := conn.Begin()
	if err != nil {
		return Summary{}, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	summary := Summary{ActiveTotal: len(active)}
	var events []Event

	for _, key := range keys {
		agg := active[key]
		prev, seen := existing[key]
		if seen {
			occurrences := prev.Occurrences + 1
			if occurrences < 1 {
				occurrences = 1
			}
			_, err = tx.Exec(`UPDATE incidents SET
					vehicle_id = ?, severity = ?, status = ?, message = ?,
					last_seen_ts = ?, resolved_ts = NULL, occurrences = ?,
					acked_at = ?, acked_by = ?, silenced_until = ?, silenced_by = ?,
					updated_at = ?
				WHERE central_id = ? AND code = ?`,
				agg.VehicleID, agg.Severity.String(), agg.Status, agg.Message,
				now, occurrences,
				nullable(agg.AckedAt), nullable(agg.AckedBy),
				nullable(agg.SilencedUntil), nullable(agg.SilencedBy),
				now, key.CentralID, key.Code)
			if err != nil {
				return Summary{}, nil, fmt.Errorf("failed to update incident %s/%s: %w", key.CentralID, key.Code, err)
			}
			summary.Updated++
		} else {
			_, err = tx.Exec(`INSERT INTO incidents
					(central_id, code, vehicle_id, severity, status, message,
					 first_seen_ts, last_seen_ts, resolved_ts, occurrences,
					 acked_at, acked_by, silenced_until, silenced_by, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 1, ?, ?, ?, ?, ?)`,
				key.CentralID, key.Code, agg.VehicleID, agg.Severity.String(),
				agg.Status, agg.Message, now, now,
				nullable(agg.AckedAt), nullable(agg.AckedBy),
				nullable(agg.SilencedUntil), nullable(agg.SilencedBy), now)
			if err != nil {
				return Summary{}, nil, fmt.Errorf("failed to insert incident %s/%s: %w", key.CentralID, key.Code, err)
			}
			summary.Inserted++
		}

		var eventName string
		switch {
		case !seen || prev.Status == StatusResolved:
			eventName = "opened"
		case agg.Severity == severity.Bad && prev.Severity.Rank() < severity.Bad.Rank():
			eventName = "escalated_bad"
		}
		if eventName != "" && notifyCandidate(agg.Severity, key.Code) {
			events = append(events, Event{
				CentralID: key.CentralID,
				Code:      key.Code,
				Severity:  agg.Severity,
				Event:     eventName,
				Message:   agg.Message,
			})
			summary.Notify++
		}
	}

	for key, prev := range existing {
		if _, stillActive := active[key]; stillActive || prev.Status == StatusResolved {
			continue
		}
		_, err = tx.Exec(`UPDATE incidents SET status = ?, resolved_ts = ?, updated_at = ?
				WHERE central_id = ? AND code = ?`,
			StatusResolved, now, now, key.CentralID, key.Code)
		if err != nil {
			return Summary{}, nil, fmt.Errorf("failed to resolve incident %s/%s: %w", key.CentralID, key.Code, err)
		}
		summary.Resolved++
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, nil, fmt.Errorf("failed to commit incident sync: %w", err)
	}
	return summary, events, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SyncNow runs Sync against the current wall clock.
func SyncNow(conn *sql.DB, nodes []fleet.Node) (Summary, []Event, error) {
	return Sync(conn, nodes, db.NowTS())
}
