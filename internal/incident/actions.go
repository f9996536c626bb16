package incident

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetmon/internal/db"
)

// ErrMissingKey is returned when an action lacks the central id or code.
var ErrMissingKey = errors.New("missing_central_or_code")

const minSilenceSec = 60

// Ack marks an alert key as acknowledged. The operator marker, the action
// log entry and the incident status all move in one transaction. A
// silenced incident keeps its silenced status; the ack marker still sticks
// so unsilencing lands on acked instead of open.
func Ack(conn *sql.DB, centralID, code, actor, note string, now time.Time) error {
	centralID, code, err := normalizeKey(centralID, code)
	if err != nil {
		return err
	}
	ts := db.FormatTS(now)

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO alert_states (central_id, code, acked_at, acked_by, ack_note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(central_id, code) DO UPDATE SET
			acked_at = excluded.acked_at,
			acked_by = excluded.acked_by,
			ack_note = excluded.ack_note,
			updated_at = excluded.updated_at`,
		centralID, code, ts, nullable(actor), nullable(note), ts)
	if err != nil {
		return fmt.Errorf("failed to ack %s/%s: %w", centralID, code, err)
	}

	if err := appendAction(tx, ts, "ack", centralID, code, actor, note, ""); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE incidents SET
			acked_at = ?, acked_by = ?, updated_at = ?,
			status = CASE WHEN status = 'open' THEN 'acked' ELSE status END
		WHERE central_id = ? AND code = ? AND status != 'resolved'`,
		ts, nullable(actor), ts, centralID, code)
	if err != nil {
		return fmt.Errorf("failed to update incident for ack: %w", err)
	}

	return tx.Commit()
}

// Silence suppresses an alert key until now + durationSec. Durations below
// a minute are raised to a minute so a silence can never expire within the
// same reconciliation pass that created it.
func Silence(conn *sql.DB, centralID, code, actor, note string, durationSec int, now time.Time) (string, error) {
	centralID, code, err := normalizeKey(centralID, code)
	if err != nil {
		return "", err
	}
	if durationSec < minSilenceSec {
		durationSec = minSilenceSec
	}
	ts := db.FormatTS(now)
	until := db.FormatTS(now.Add(time.Duration(durationSec) * time.Second))

	tx, err := conn.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO alert_states (central_id, code, silenced_until, silenced_by, silence_note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(central_id, code) DO UPDATE SET
			silenced_until = excluded.silenced_until,
			silenced_by = excluded.silenced_by,
			silence_note = excluded.silence_note,
			updated_at = excluded.updated_at`,
		centralID, code, until, nullable(actor), nullable(note), ts)
	if err != nil {
		return "", fmt.Errorf("failed to silence %s/%s: %w", centralID, code, err)
	}

	if err := appendAction(tx, ts, "silence", centralID, code, actor, note, until); err != nil {
		return "", err
	}

	_, err = tx.Exec(`UPDATE incidents SET
			silenced_until = ?, silenced_by = ?, status = 'silenced', updated_at = ?
		WHERE central_id = ? AND code = ? AND status != 'resolved'`,
		until, nullable(actor), ts, centralID, code)
	if err != nil {
		return "", fmt.Errorf("failed to update incident for silence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return until, nil
}

// Unsilence lifts a silence early. The incident falls back to acked when an
// ack marker exists, otherwise to open.
func Unsilence(conn *sql.DB, centralID, code, actor, note string, now time.Time) error {
	centralID, code, err := normalizeKey(centralID, code)
	if err != nil {
		return err
	}
	ts := db.FormatTS(now)

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO alert_states (central_id, code, silenced_until, silenced_by, silence_note, updated_at)
			VALUES (?, ?, NULL, NULL, NULL, ?)
		ON CONFLICT(central_id, code) DO UPDATE SET
			silenced_until = NULL,
			silenced_by = NULL,
			silence_note = NULL,
			updated_at = excluded.updated_at`,
		centralID, code, ts)
	if err != nil {
		return fmt.Errorf("failed to unsilence %s/%s: %w", centralID, code, err)
	}

	if err := appendAction(tx, ts, "unsilence", centralID, code, actor, note, ""); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE incidents SET
			silenced_until = NULL, silenced_by = NULL, updated_at = ?,
			status = CASE WHEN acked_at IS NOT NULL AND acked_at != '' THEN 'acked' ELSE 'open' END
		WHERE central_id = ? AND code = ? AND status != 'resolved'`,
		ts, centralID, code)
	if err != nil {
		return fmt.Errorf("failed to update incident for unsilence: %w", err)
	}

	return tx.Commit()
}

func appendAction(tx *sql.Tx, ts, action, centralID, code, actor, note, until string) error {
	_, err := tx.Exec(`INSERT INTO alert_actions (ts, action, central_id, code, actor, note, silenced_until)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts, action, centralID, code, nullable(actor), nullable(note), nullable(until))
	if err != nil {
		return fmt.Errorf("failed to record %s action: %w", action, err)
	}
	return nil
}

// ListActions returns the action log, newest first. Both key filters are
// optional.
func ListActions(conn *sql.DB, centralID, code string, limit int) ([]Action, error) {
	var where []string
	var args []any
	if centralID != "" {
		where = append(where, "central_id = ?")
		args = append(args, centralID)
	}
	if code != "" {
		where = append(where, "code = ?")
		args = append(args, code)
	}

	query := "SELECT id, ts, action, central_id, code, actor, note, silenced_until FROM alert_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, boundLimit(limit))

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var actor, note, until sql.NullString
		if err := rows.Scan(&a.ID, &a.Ts, &a.Action, &a.CentralID, &a.Code, &actor, &note, &until); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.Actor = actor.String
		a.Note = note.String
		a.SilencedUntil = until.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActionsSince returns the number of operator actions recorded at or
// after the given timestamp.
func CountActionsSince(conn *sql.DB, since string) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM alert_actions WHERE ts >= ?`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return n, nil
}

func normalizeKey(centralID, code string) (string, string, error) {
	centralID = strings.TrimSpace(centralID)
	code = strings.TrimSpace(code)
	if centralID == "" || code == "" {
		return "", "", ErrMissingKey
	}
	return centralID, code, nil
}
