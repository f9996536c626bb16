package incident

import (
	"database/sql"
	"testing"
	"time"

	fleetdb "fleetmon/internal/db"
	"fleetmon/internal/fleet"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := fleetdb.CreateSchema(conn); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return conn
}

func nodeWith(centralID string, alerts ...fleet.Alert) fleet.Node {
	return fleet.Node{
		CentralID: centralID,
		VehicleID: "veh-" + centralID,
		Alerts:    alerts,
	}
}

func testPolicy() policy.MonitorPolicy {
	return policy.MonitorPolicy{SLABadTargetSec: 900, SLAWarnTargetSec: 3600}
}

func TestSyncOpensUpdatesResolves(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "heartbeat_stale", Severity: severity.Bad, Message: "no heartbeat for 700s",
	})}

	summary, events, err := Sync(conn, nodes, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if summary.Inserted != 1 || summary.ActiveTotal != 1 || summary.Notify != 1 {
		t.Fatalf("first sync summary = %+v", summary)
	}
	if len(events) != 1 || events[0].Event != "opened" || events[0].Code != "heartbeat_stale" {
		t.Fatalf("first sync events = %+v", events)
	}

	summary, events, err = Sync(conn, nodes, "2026-03-01T10:01:00Z")
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if summary.Updated != 1 || summary.Inserted != 0 {
		t.Fatalf("second sync summary = %+v", summary)
	}
	if len(events) != 0 {
		t.Fatalf("unchanged incident produced events: %+v", events)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "heartbeat_stale", mustTS(t, "2026-03-01T10:01:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Occurrences != 2 || inc.Status != StatusOpen {
		t.Fatalf("after two syncs: occurrences=%d status=%q", inc.Occurrences, inc.Status)
	}

	summary, _, err = Sync(conn, []fleet.Node{nodeWith("c-1")}, "2026-03-01T10:02:00Z")
	if err != nil {
		t.Fatalf("resolving sync failed: %v", err)
	}
	if summary.Resolved != 1 {
		t.Fatalf("resolving sync summary = %+v", summary)
	}
	inc, err = GetByKey(conn, testPolicy(), "c-1", "heartbeat_stale", mustTS(t, "2026-03-01T10:02:30Z"))
	if err != nil {
		t.Fatalf("get after resolve failed: %v", err)
	}
	if inc.Status != StatusResolved || inc.ResolvedTs != "2026-03-01T10:02:00Z" {
		t.Fatalf("after resolve: status=%q resolved_ts=%q", inc.Status, inc.ResolvedTs)
	}
}

func TestSyncReopensResolvedIncident(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "queue_backlog_high", Severity: severity.Bad, Message: "340 pending batches",
	})}

	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("open sync failed: %v", err)
	}
	if _, _, err := Sync(conn, []fleet.Node{nodeWith("c-1")}, "2026-03-01T10:01:00Z"); err != nil {
		t.Fatalf("resolve sync failed: %v", err)
	}

	summary, events, err := Sync(conn, nodes, "2026-03-01T10:05:00Z")
	if err != nil {
		t.Fatalf("reopen sync failed: %v", err)
	}
	if summary.Updated != 1 {
		t.Fatalf("reopen summary = %+v", summary)
	}
	if len(events) != 1 || events[0].Event != "opened" {
		t.Fatalf("reopen events = %+v", events)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "queue_backlog_high", mustTS(t, "2026-03-01T10:05:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusOpen || inc.ResolvedTs != "" || inc.Occurrences != 2 {
		t.Fatalf("reopened incident = %+v", inc)
	}
}

func TestSyncEscalationEvent(t *testing.T) {
	conn := setupTestDB(t)

	warn := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "queue_backlog", Severity: severity.Warn, Message: "22 pending batches",
	})}
	summary, events, err := Sync(conn, warn, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("warn sync failed: %v", err)
	}
	// Warn and not a staleness code: opened but below the notify bar.
	if summary.Notify != 0 || len(events) != 0 {
		t.Fatalf("warn open should not notify: summary=%+v events=%+v", summary, events)
	}

	bad := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "queue_backlog", Severity: severity.Bad, Message: "140 pending batches",
	})}
	summary, events, err = Sync(conn, bad, "2026-03-01T10:01:00Z")
	if err != nil {
		t.Fatalf("bad sync failed: %v", err)
	}
	if len(events) != 1 || events[0].Event != "escalated_bad" || events[0].Severity != severity.Bad {
		t.Fatalf("escalation events = %+v", events)
	}
	if summary.Notify != 1 {
		t.Fatalf("escalation summary = %+v", summary)
	}
}

func TestSyncStalenessCodeNotifiesAtWarn(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "wg_handshake_stale", Severity: severity.Warn, Message: "handshake 1400s old",
	})}

	summary, events, err := Sync(conn, nodes, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(events) != 1 || events[0].Event != "opened" || summary.Notify != 1 {
		t.Fatalf("staleness warn should notify: summary=%+v events=%+v", summary, events)
	}
}

func TestSyncMergesDuplicateCodes(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1",
		fleet.Alert{Code: "sensor_fault", Severity: severity.Warn, Message: "door sensor offline"},
		fleet.Alert{Code: "sensor_fault", Severity: severity.Bad, Message: "brake sensor offline"},
	)}

	summary, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if summary.ActiveTotal != 1 || summary.Inserted != 1 {
		t.Fatalf("merge summary = %+v", summary)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "sensor_fault", mustTS(t, "2026-03-01T10:00:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Severity != severity.Bad {
		t.Fatalf("merged severity = %v, want bad", inc.Severity)
	}
	if inc.Message != "door sensor offline | brake sensor offline" {
		t.Fatalf("merged message = %q", inc.Message)
	}
}

func TestSyncSilencedAlertKeepsIncidentActive(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{
		Code: "heartbeat_slow", Severity: severity.Warn, Message: "heartbeat 200s old",
		Silenced: true, SilencedUntil: "2026-03-01T12:00:00Z", SilencedBy: "ops-anna",
	})}

	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	inc, err := GetByKey(conn, testPolicy(), "c-1", "heartbeat_slow", mustTS(t, "2026-03-01T10:00:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusSilenced || inc.SilencedBy != "ops-anna" {
		t.Fatalf("silenced incident = %+v", inc)
	}
}

func mustTS(t *testing.T, s string) time.Time {
	t.Helper()
	ts, ok := fleetdb.ParseTS(s)
	if !ok {
		t.Fatalf("bad test timestamp %q", s)
	}
	return ts
}
