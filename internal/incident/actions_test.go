package incident

import (
	"testing"

	"fleetmon/internal/fleet"
	"fleetmon/internal/severity"
)

func TestAckLifecycle(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{Code: "heartbeat_stale", Severity: severity.Bad, Message: "stale"})}
	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if err := Ack(conn, "c-1", "heartbeat_stale", "ops-anna", "looking into it", mustTS(t, "2026-03-01T10:01:00Z")); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "heartbeat_stale", mustTS(t, "2026-03-01T10:01:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusAcked || inc.AckedBy != "ops-anna" || inc.AckedAt != "2026-03-01T10:01:00Z" {
		t.Fatalf("acked incident = %+v", inc)
	}

	actions, err := ListActions(conn, "c-1", "heartbeat_stale", 10)
	if err != nil {
		t.Fatalf("list actions failed: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != "ack" || actions[0].Note != "looking into it" {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestSilenceSetsDeadlineAndStatus(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{Code: "queue_backlog", Severity: severity.Warn, Message: "backlog"})}
	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	until, err := Silence(conn, "c-1", "queue_backlog", "ops-anna", "depot maintenance", 1800, mustTS(t, "2026-03-01T10:01:00Z"))
	if err != nil {
		t.Fatalf("silence failed: %v", err)
	}
	if until != "2026-03-01T10:31:00Z" {
		t.Fatalf("until = %q", until)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "queue_backlog", mustTS(t, "2026-03-01T10:01:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusSilenced || inc.SilencedUntil != until || inc.SilencedBy != "ops-anna" {
		t.Fatalf("silenced incident = %+v", inc)
	}
}

func TestSilenceEnforcesMinimumDuration(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{Code: "queue_backlog", Severity: severity.Warn, Message: "backlog"})}
	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	until, err := Silence(conn, "c-1", "queue_backlog", "ops-anna", "", 5, mustTS(t, "2026-03-01T10:01:00Z"))
	if err != nil {
		t.Fatalf("silence failed: %v", err)
	}
	if until != "2026-03-01T10:02:00Z" {
		t.Fatalf("until = %q, want floor of one minute", until)
	}
}

func TestUnsilenceFallsBackToAckWhenMarked(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{Code: "heartbeat_slow", Severity: severity.Warn, Message: "slow"})}
	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if err := Ack(conn, "c-1", "heartbeat_slow", "ops-anna", "", mustTS(t, "2026-03-01T10:01:00Z")); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if _, err := Silence(conn, "c-1", "heartbeat_slow", "ops-anna", "", 3600, mustTS(t, "2026-03-01T10:02:00Z")); err != nil {
		t.Fatalf("silence failed: %v", err)
	}
	if err := Unsilence(conn, "c-1", "heartbeat_slow", "ops-ben", "back early", mustTS(t, "2026-03-01T10:10:00Z")); err != nil {
		t.Fatalf("unsilence failed: %v", err)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "heartbeat_slow", mustTS(t, "2026-03-01T10:10:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusAcked {
		t.Fatalf("status after unsilence = %q, want acked", inc.Status)
	}
	if inc.SilencedUntil != "" {
		t.Fatalf("silenced_until still set: %q", inc.SilencedUntil)
	}

	actions, err := ListActions(conn, "c-1", "heartbeat_slow", 10)
	if err != nil {
		t.Fatalf("list actions failed: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(actions))
	}
	// Newest first.
	if actions[0].Action != "unsilence" || actions[1].Action != "silence" || actions[2].Action != "ack" {
		t.Fatalf("action order = %s, %s, %s", actions[0].Action, actions[1].Action, actions[2].Action)
	}
}

func TestUnsilenceWithoutAckReopens(t *testing.T) {
	conn := setupTestDB(t)
	nodes := []fleet.Node{nodeWith("c-1", fleet.Alert{Code: "heartbeat_slow", Severity: severity.Warn, Message: "slow"})}
	if _, _, err := Sync(conn, nodes, "2026-03-01T10:00:00Z"); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if _, err := Silence(conn, "c-1", "heartbeat_slow", "ops-anna", "", 3600, mustTS(t, "2026-03-01T10:01:00Z")); err != nil {
		t.Fatalf("silence failed: %v", err)
	}
	if err := Unsilence(conn, "c-1", "heartbeat_slow", "ops-anna", "", mustTS(t, "2026-03-01T10:05:00Z")); err != nil {
		t.Fatalf("unsilence failed: %v", err)
	}

	inc, err := GetByKey(conn, testPolicy(), "c-1", "heartbeat_slow", mustTS(t, "2026-03-01T10:05:30Z"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if inc.Status != StatusOpen {
		t.Fatalf("status after unsilence = %q, want open", inc.Status)
	}
}

func TestActionsRejectMissingKey(t *testing.T) {
	conn := setupTestDB(t)
	if err := Ack(conn, "  ", "code", "a", "", mustTS(t, "2026-03-01T10:00:00Z")); err != ErrMissingKey {
		t.Fatalf("ack err = %v, want ErrMissingKey", err)
	}
	if _, err := Silence(conn, "c-1", "", "a", "", 600, mustTS(t, "2026-03-01T10:00:00Z")); err != ErrMissingKey {
		t.Fatalf("silence err = %v, want ErrMissingKey", err)
	}
	if err := Unsilence(conn, "", "", "a", "", mustTS(t, "2026-03-01T10:00:00Z")); err != ErrMissingKey {
		t.Fatalf("unsilence err = %v, want ErrMissingKey", err)
	}
}
