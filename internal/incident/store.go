package incident

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

const incidentColumns = `central_id, code, vehicle_id, severity, status, message,
	first_seen_ts, last_seen_ts, resolved_ts, occurrences,
	acked_at, acked_by, silenced_until, silenced_by, updated_at`

// List returns incidents matching the filter, worst first: open before
// acked before silenced, bad before warn, most recently updated first.
// Resolved rows are excluded unless the filter asks for them.
func List(conn *sql.DB, pol policy.MonitorPolicy, f Filter, now time.Time) ([]Incident, error) {
	var where []string
	var args []any

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	} else if !f.IncludeResolved {
		where = append(where, "status != ?")
		args = append(args, StatusResolved)
	}
	if sev, ok := severity.Parse(f.Severity); ok {
		where = append(where, "severity = ?")
		args = append(args, sev.String())
	}
	if f.CentralID != "" {
		where = append(where, "central_id = ?")
		args = append(args, f.CentralID)
	}
	if f.Code != "" {
		where = append(where, "code = ?")
		args = append(args, f.Code)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, `(central_id LIKE ? OR code LIKE ? OR vehicle_id LIKE ?
			OR message LIKE ? OR acked_by LIKE ? OR silenced_by LIKE ?)`)
		like := "%" + q + "%"
		args = append(args, like, like, like, like, like, like)
	}

	query := "SELECT " + incidentColumns + " FROM incidents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += `
		ORDER BY
			CASE status WHEN 'open' THEN 0 WHEN 'acked' THEN 1 WHEN 'silenced' THEN 2 ELSE 3 END,
			CASE severity WHEN 'bad' THEN 0 WHEN 'warn' THEN 1 ELSE 2 END,
			updated_at DESC
		LIMIT ?`
	args = append(args, boundLimit(f.Limit))

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		applyView(&inc, pol, now)
		// Breach state only exists after the view pass, so this filter
		// cannot live in the WHERE clause.
		if f.SLABreachedOnly && !inc.SLABreached {
			continue
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// GetByKey returns one incident row or ErrNotFound.
func GetByKey(conn *sql.DB, pol policy.MonitorPolicy, centralID, code string, now time.Time) (*Incident, error) {
	row := conn.QueryRow("SELECT "+incidentColumns+" FROM incidents WHERE central_id = ? AND code = ?",
		centralID, code)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	applyView(&inc, pol, now)
	return &inc, nil
}

// ComputeTotals aggregates the full incident table, active and resolved.
// SLA breaches only count on active rows.
func ComputeTotals(conn *sql.DB, pol policy.MonitorPolicy, now time.Time) (Totals, error) {
	rows, err := conn.Query("SELECT " + incidentColumns + " FROM incidents")
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read incidents: %w", err)
	}
	defer rows.Close()

	var totals Totals
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return Totals{}, err
		}
		applyView(&inc, pol, now)
		totals.Total++
		switch inc.Status {
		case StatusOpen:
			totals.Open++
		case StatusAcked:
			totals.Acked++
		case StatusSilenced:
			totals.Silenced++
		case StatusResolved:
			totals.Resolved++
		}
		switch inc.Severity {
		case severity.Good:
			totals.Good++
		case severity.Warn:
			totals.Warn++
		case severity.Bad:
			totals.Bad++
		}
		if inc.SLABreached {
			totals.SLABreached++
		}
	}
	return totals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (Incident, error) {
	var inc Incident
	var vehicleID, message, resolvedTs, ackedAt, ackedBy, silencedUntil, silencedBy sql.NullString
	var sev string
	err := row.Scan(&inc.CentralID, &inc.Code, &vehicleID, &sev, &inc.Status, &message,
		&inc.FirstSeenTs, &inc.LastSeenTs, &resolvedTs, &inc.Occurrences,
		&ackedAt, &ackedBy, &silencedUntil, &silencedBy, &inc.UpdatedAt)
	if err == sql.ErrNoRows {
		return inc, err
	}
	if err != nil {
		return inc, fmt.Errorf("failed to scan incident: %w", err)
	}
	inc.Severity = severity.Normalize(sev)
	inc.VehicleID = vehicleID.String
	inc.Message = message.String
	inc.ResolvedTs = resolvedTs.String
	inc.AckedAt = ackedAt.String
	inc.AckedBy = ackedBy.String
	inc.SilencedUntil = silencedUntil.String
	inc.SilencedBy = silencedBy.String
	return inc, nil
}

// applyView fills the derived fields. Age freezes at resolution time so a
// resolved incident's duration stays stable. Good incidents have no SLA
// target and can never breach.
func applyView(inc *Incident, pol policy.MonitorPolicy, now time.Time) {
	ref := now
	if inc.Status == StatusResolved {
		if t, ok := db.ParseTS(inc.ResolvedTs); ok {
			ref = t
		}
	}
	if first, ok := db.ParseTS(inc.FirstSeenTs); ok {
		inc.AgeSec = int(ref.Sub(first).Seconds())
		if inc.AgeSec < 0 {
			inc.AgeSec = 0
		}
	}
	if last, ok := db.ParseTS(inc.LastSeenTs); ok {
		inc.LastSeenAgeSec = int(now.Sub(last).Seconds())
		if inc.LastSeenAgeSec < 0 {
			inc.LastSeenAgeSec = 0
		}
	}
	inc.SLATargetSec = pol.SLATargetSec(inc.Severity)
	inc.SLABreached = inc.SLATargetSec > 0 &&
		inc.Status != StatusResolved &&
		inc.AgeSec > inc.SLATargetSec
}

func boundLimit(limit int) int {
	if limit < 1 {
		return 200
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
