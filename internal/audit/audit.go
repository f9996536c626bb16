// Package audit keeps the admin audit trail: who called which mutating or
// privileged endpoint, with what outcome.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// Outcome statuses recorded per audit entry.
const (
	StatusOK        = "ok"
	StatusForbidden = "forbidden"
	StatusError     = "error"
)

// Entry is one row of the admin audit log.
type Entry struct {
	ID     int64  `json:"id"`
	Ts     string `json:"ts"`
	Actor  string `json:"actor,omitempty"`
	Role   string `json:"role,omitempty"`
	Action string `json:"action"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Record appends one audit entry. Audit writes never fail a request: on
// error the entry is logged and dropped.
func Record(conn *sql.DB, e Entry) {
	_, err := conn.Exec(`INSERT INTO admin_audit (ts, actor, role, action, path, status, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Ts, nullable(e.Actor), nullable(e.Role), e.Action, e.Path, e.Status, nullable(e.Detail))
	if err != nil {
		log.Printf("audit: failed to record %s %s: %v", e.Action, e.Path, err)
	}
}

// Filter narrows the audit listing. Zero values match everything.
type Filter struct {
	Actor  string
	Role   string
	Action string
	Path   string
	Status string
	Since  string
	Query  string
	Limit  int
}

// List returns audit entries, newest first.
func List(conn *sql.DB, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.Actor != "" {
		add("actor = ?", f.Actor)
	}
	if f.Role != "" {
		add("role = ?", f.Role)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Path != "" {
		add("path = ?", f.Path)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Since != "" {
		add("ts >= ?", f.Since)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "(actor LIKE ? OR action LIKE ? OR path LIKE ? OR detail LIKE ?)")
		like := "%" + q + "%"
		args = append(args, like, like, like, like)
	}

	query := "SELECT id, ts, actor, role, action, path, status, detail FROM admin_audit"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, boundLimit(f.Limit))

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var actor, role, action, path, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Ts, &actor, &role, &action, &path, &e.Status, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Actor = actor.String
		e.Role = role.String
		e.Action = action.String
		e.Path = path.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountForbidden returns the number of rejected privileged calls since the
// given timestamp.
func CountForbidden(conn *sql.DB, since string) (int, error) {
	var n int
	err := conn.QueryRow(`SELECT COUNT(*) FROM admin_audit WHERE status = ? AND ts >= ?`,
		StatusForbidden, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count forbidden entries: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
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
