package fleet

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetmon/internal/db"
)

// ErrMissingCentralID is returned for heartbeat payloads without a central id.
var ErrMissingCentralID = errors.New("missing_central_id")

const heartbeatColumns = `
	central_id, vehicle_id, ts_sent, ts_received,
	events_total, pending_batches, sent_batches, wg_handshake_age_sec, alerts_json`

// Ingest stores a heartbeat: the latest row per central is replaced and a
// full copy is appended to the history table. Returns the server-side
// receive timestamp.
func Ingest(conn *sql.DB, p IngestPayload, now time.Time) (string, error) {
	centralID := strings.TrimSpace(p.CentralID)
	if centralID == "" {
		return "", ErrMissingCentralID
	}
	tsReceived := db.FormatTS(now)

	alerts := p.Alerts
	if alerts == nil {
		alerts = []DeclaredAlert{}
	}
	alertsJSON, err := json.Marshal(alerts)
	if err != nil {
		return "", fmt.Errorf("encode heartbeat alerts: %w", err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return "", fmt.Errorf("ingest heartbeat: begin: %w", err)
	}
	defer tx.Rollback()

	args := []any{
		centralID, p.VehicleID, p.TsSent, tsReceived,
		p.Queue.EventsTotal, p.Queue.PendingBatches, p.Queue.SentBatches,
		nullableInt(p.Queue.WGHandshakeAgeSec), string(alertsJSON),
	}
	_, err = tx.Exec(`
		INSERT INTO heartbeats(`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(central_id) DO UPDATE SET
			vehicle_id           = excluded.vehicle_id,
			ts_sent              = excluded.ts_sent,
			ts_received          = excluded.ts_received,
			events_total         = excluded.events_total,
			pending_batches      = excluded.pending_batches,
			sent_batches         = excluded.sent_batches,
			wg_handshake_age_sec = excluded.wg_handshake_age_sec,
			alerts_json          = excluded.alerts_json`, args...)
	if err != nil {
		return "", fmt.Errorf("upsert heartbeat: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO heartbeat_history(`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return "", fmt.Errorf("append heartbeat history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("ingest heartbeat: commit: %w", err)
	}
	return tsReceived, nil
}

// ListLatest returns the newest heartbeat per central, newest first.
func ListLatest(conn *sql.DB) ([]Heartbeat, error) {
	rows, err := conn.Query(`
		SELECT ` + heartbeatColumns + `
		FROM heartbeats
		ORDER BY ts_received DESC`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()
	return scanHeartbeats(rows)
}

// History returns up to limit history rows for one central, newest first.
func History(conn *sql.DB, centralID string, limit int) ([]Heartbeat, error) {
	rows, err := conn.Query(`
		SELECT `+heartbeatColumns+`
		FROM heartbeat_history
		WHERE central_id = ?
		ORDER BY ts_received DESC
		LIMIT ?`, centralID, boundLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("heartbeat history for %s: %w", centralID, err)
	}
	defer rows.Close()
	return scanHeartbeats(rows)
}

// LoadAlertStates reads all persisted ack/silence records. A silence whose
// deadline has passed still carries its fields but Silenced is false.
func LoadAlertStates(conn *sql.DB, now time.Time) (map[StateKey]AlertState, error) {
	rows, err := conn.Query(`
		SELECT central_id, code, acked_at, acked_by, ack_note,
		       silenced_until, silenced_by, silence_note
		FROM alert_states`)
	if err != nil {
		return nil, fmt.Errorf("load alert states: %w", err)
	}
	defer rows.Close()

	states := make(map[StateKey]AlertState)
	for rows.Next() {
		var key StateKey
		var ackedAt, ackedBy, ackNote, silencedUntil, silencedBy, silenceNote sql.NullString
		if err := rows.Scan(&key.CentralID, &key.Code,
			&ackedAt, &ackedBy, &ackNote, &silencedUntil, &silencedBy, &silenceNote); err != nil {
			return nil, fmt.Errorf("scan alert state: %w", err)
		}
		st := AlertState{
			AckedAt:       ackedAt.String,
			AckedBy:       ackedBy.String,
			AckNote:       ackNote.String,
			SilencedUntil: silencedUntil.String,
			SilencedBy:    silencedBy.String,
			SilenceNote:   silenceNote.String,
		}
		if until, ok := db.ParseTS(st.SilencedUntil); ok && until.After(now) {
			st.Silenced = true
		}
		states[key] = st
	}
	return states, rows.Err()
}

func scanHeartbeats(rows *sql.Rows) ([]Heartbeat, error) {
	var out []Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var tsSent, vehicleID sql.NullString
		var wgAge sql.NullInt64
		var alertsJSON string
		err := rows.Scan(&hb.CentralID, &vehicleID, &tsSent, &hb.TsReceived,
			&hb.Queue.EventsTotal, &hb.Queue.PendingBatches, &hb.Queue.SentBatches,
			&wgAge, &alertsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.VehicleID = vehicleID.String
		hb.TsSent = tsSent.String
		if wgAge.Valid {
			v := int(wgAge.Int64)
			hb.Queue.WGHandshakeAgeSec = &v
		}
		if err := json.Unmarshal([]byte(alertsJSON), &hb.Declared); err != nil {
			hb.Declared = nil
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boundLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
