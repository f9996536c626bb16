package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Init opens the database at path and creates the schema.
func Init(path string) (*sql.DB, error) {
	if err := ensureDirectory(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	enableWAL(conn)
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		log.Printf("db: could not enable foreign keys: %v", err)
	}
	if err := CreateSchema(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func enableWAL(conn *sql.DB) {
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("db: could not enable WAL mode: %v", err)
	}
}

// CreateSchema creates all tables and indexes if they do not exist.
func CreateSchema(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS heartbeats (
		central_id TEXT PRIMARY KEY,
		vehicle_id TEXT,
		ts_sent TEXT,
		ts_received TEXT NOT NULL,
		events_total INTEGER NOT NULL DEFAULT 0,
		pending_batches INTEGER NOT NULL DEFAULT 0,
		sent_batches INTEGER NOT NULL DEFAULT 0,
		wg_handshake_age_sec INTEGER,
		alerts_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_ts ON heartbeats(ts_received);

	CREATE TABLE IF NOT EXISTS heartbeat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		central_id TEXT NOT NULL,
		vehicle_id TEXT,
		ts_sent TEXT,
		ts_received TEXT NOT NULL,
		events_total INTEGER NOT NULL DEFAULT 0,
		pending_batches INTEGER NOT NULL DEFAULT 0,
		sent_batches INTEGER NOT NULL DEFAULT 0,
		wg_handshake_age_sec INTEGER,
		alerts_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeat_history_central_ts
		ON heartbeat_history(central_id, ts_received DESC);

	CREATE TABLE IF NOT EXISTS incidents (
		central_id TEXT NOT NULL,
		code TEXT NOT NULL,
		vehicle_id TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		first_seen_ts TEXT NOT NULL,
		last_seen_ts TEXT NOT NULL,
		resolved_ts TEXT,
		occurrences INTEGER NOT NULL DEFAULT 1,
		acked_at TEXT,
		acked_by TEXT,
		silenced_until TEXT,
		silenced_by TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(central_id, code)
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

	CREATE TABLE IF NOT EXISTS alert_states (
		central_id TEXT NOT NULL,
		code TEXT NOT NULL,
		acked_at TEXT,
		acked_by TEXT,
		ack_note TEXT,
		silenced_until TEXT,
		silenced_by TEXT,
		silence_note TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(central_id, code)
	);

	CREATE TABLE IF NOT EXISTS alert_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		action TEXT NOT NULL,
		central_id TEXT NOT NULL,
		code TEXT NOT NULL,
		actor TEXT,
		note TEXT,
		silenced_until TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alert_actions_key ON alert_actions(central_id, code);
	CREATE INDEX IF NOT EXISTS idx_alert_actions_ts ON alert_actions(ts);

	CREATE TABLE IF NOT EXISTS incident_notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		central_id TEXT NOT NULL,
		code TEXT NOT NULL,
		severity TEXT NOT NULL,
		event TEXT NOT NULL,
		channel TEXT NOT NULL,
		destination TEXT,
		status TEXT NOT NULL,
		message TEXT,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_incident_notifications_key
		ON incident_notifications(central_id, code);
	CREATE INDEX IF NOT EXISTS idx_incident_notifications_ts
		ON incident_notifications(ts);

	CREATE TABLE IF NOT EXISTS monitor_policy_overrides (
		central_id TEXT PRIMARY KEY,
		warn_heartbeat_age_sec INTEGER,
		bad_heartbeat_age_sec INTEGER,
		warn_pending_batches INTEGER,
		bad_pending_batches INTEGER,
		warn_wg_age_sec INTEGER,
		bad_wg_age_sec INTEGER,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admin_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		actor TEXT,
		role TEXT,
		action TEXT,
		path TEXT,
		status TEXT NOT NULL,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_admin_audit_ts ON admin_audit(ts);
	CREATE INDEX IF NOT EXISTS idx_admin_audit_status ON admin_audit(status);
	`

	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}
