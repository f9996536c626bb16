package notify

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fleetmon/internal/severity"
)

// ErrRecordNotFound is returned when a notification id does not exist.
var ErrRecordNotFound = errors.New("notification_not_found")

// Delivery statuses recorded per notification row.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ChannelPolicy marks rows that record a dispatch decision rather than an
// actual delivery attempt.
const ChannelPolicy = "policy"

// Record is one row of the notification log.
type Record struct {
	ID          int64          `json:"id"`
	Ts          string         `json:"ts"`
	CentralID   string         `json:"central_id"`
	Code        string         `json:"code"`
	Severity    severity.Level `json:"severity"`
	Event       string         `json:"event"`
	Channel     string         `json:"channel"`
	Destination string         `json:"destination,omitempty"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
}

const recordColumns = "id, ts, central_id, code, severity, event, channel, destination, status, message, error"

// Insert appends one row to the notification log.
func Insert(conn *sql.DB, rec Record) (int64, error) {
	res, err := conn.Exec(`INSERT INTO incident_notifications
			(ts, central_id, code, severity, event, channel, destination, status, message, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Ts, rec.CentralID, rec.Code, rec.Severity.String(), rec.Event,
		rec.Channel, emptyNull(rec.Destination), rec.Status,
		emptyNull(rec.Message), emptyNull(rec.Error))
	if err != nil {
		return 0, fmt.Errorf("failed to record notification: %w", err)
	}
	return res.LastInsertId()
}

// RecordFilter narrows the notification log listing.
type RecordFilter struct {
	CentralID string
	Code      string
	Status    string
	Channel   string
	Event     string
	Since     string
	Limit     int
}

// ListRecords returns log rows, newest first.
func ListRecords(conn *sql.DB, f RecordFilter) ([]Record, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.CentralID != "" {
		add("central_id = ?", f.CentralID)
	}
	if f.Code != "" {
		add("code = ?", f.Code)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Channel != "" {
		add("channel = ?", f.Channel)
	}
	if f.Event != "" {
		add("event = ?", f.Event)
	}
	if f.Since != "" {
		add("ts >= ?", f.Since)
	}

	query := "SELECT " + recordColumns + " FROM incident_notifications"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, boundLimit(f.Limit))

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRecord returns one log row or ErrRecordNotFound.
func GetRecord(conn *sql.DB, id int64) (*Record, error) {
	row := conn.QueryRow("SELECT "+recordColumns+" FROM incident_notifications WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LastForKey returns the newest log row for an incident key, or nil when
// the key has never been logged. Dry-run rows are excluded when
// excludeDryRun is set so rehearsals never influence live rate limiting.
func LastForKey(conn *sql.DB, centralID, code string, excludeDryRun bool) (*Record, error) {
	query := "SELECT " + recordColumns + ` FROM incident_notifications
		WHERE central_id = ? AND code = ?`
	if excludeDryRun {
		query += " AND (error IS NULL OR error != 'dry_run')"
	}
	query += " ORDER BY id DESC LIMIT 1"

	row := conn.QueryRow(query, centralID, code)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// LastSentForKey returns the newest successfully delivered row for a key,
// or nil when nothing was ever sent.
func LastSentForKey(conn *sql.DB, centralID, code string) (*Record, error) {
	row := conn.QueryRow("SELECT "+recordColumns+` FROM incident_notifications
		WHERE central_id = ? AND code = ? AND status = ?
		ORDER BY id DESC LIMIT 1`, centralID, code, StatusSent)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountByStatusSince tallies log rows per delivery status within a window.
// Policy decision rows do not count as deliveries.
func CountByStatusSince(conn *sql.DB, since string) (map[string]int, error) {
	rows, err := conn.Query(`SELECT status, COUNT(*) FROM incident_notifications
		WHERE ts >= ? AND channel != ? GROUP BY status`, since, ChannelPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}
	defer rows.Close()

	out := map[string]int{StatusSent: 0, StatusFailed: 0, StatusSkipped: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan notification count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var destination, message, errMsg sql.NullString
	var sev string
	err := row.Scan(&rec.ID, &rec.Ts, &rec.CentralID, &rec.Code, &sev, &rec.Event,
		&rec.Channel, &destination, &rec.Status, &message, &errMsg)
	if err == sql.ErrNoRows {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan notification: %w", err)
	}
	rec.Severity = severity.Normalize(sev)
	rec.Destination = destination.String
	rec.Message = message.String
	rec.Error = errMsg.String
	return rec, nil
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
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
