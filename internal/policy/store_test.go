package policy

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"

	fleetdb "fleetmon/internal/db"
	"fleetmon/internal/settings"
)

func initSettingsForTest(conn *sql.DB) error {
	return settings.InitSettingsTable(conn)
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := fleetdb.CreateSchema(conn); err != nil {
		t.Fatalf("schema creation failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestUpsertAndGetOverride(t *testing.T) {
	conn := setupTestDB(t)

	stored, keys, err := UpsertOverride(conn, "central-1", OverrideUpsert{
		WarnHeartbeatAgeSec: intp(240),
		BadHeartbeatAgeSec:  intp(900),
	})
	if err != nil {
		t.Fatalf("UpsertOverride failed: %v", err)
	}
	wantKeys := []string{"bad_heartbeat_age_sec", "warn_heartbeat_age_sec"}
	if !reflect.DeepEqual(keys, wantKeys) {
		t.Errorf("keys = %v, want %v", keys, wantKeys)
	}
	if stored.WarnHeartbeatAgeSec == nil || *stored.WarnHeartbeatAgeSec != 240 {
		t.Errorf("warn_heartbeat = %v, want 240", stored.WarnHeartbeatAgeSec)
	}
	if stored.BadHeartbeatAgeSec == nil || *stored.BadHeartbeatAgeSec != 900 {
		t.Errorf("bad_heartbeat = %v, want 900", stored.BadHeartbeatAgeSec)
	}
	if stored.WarnPendingBatches != nil {
		t.Errorf("warn_pending = %v, want nil", stored.WarnPendingBatches)
	}
	if stored.UpdatedAt == "" {
		t.Error("UpdatedAt not set")
	}

	got, err := GetOverride(conn, "central-1")
	if err != nil {
		t.Fatalf("GetOverride failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected override, got nil")
	}
	if *got.WarnHeartbeatAgeSec != 240 {
		t.Errorf("stored warn_heartbeat = %d, want 240", *got.WarnHeartbeatAgeSec)
	}
}

func TestGetOverrideMissing(t *testing.T) {
	conn := setupTestDB(t)

	got, err := GetOverride(conn, "nope")
	if err != nil {
		t.Fatalf("GetOverride failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing override, got %+v", got)
	}
}

func TestUpsertOverrideMergesExistingRow(t *testing.T) {
	conn := setupTestDB(t)

	if _, _, err := UpsertOverride(conn, "central-1", OverrideUpsert{WarnWGAgeSec: intp(600)}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	stored, _, err := UpsertOverride(conn, "central-1", OverrideUpsert{WarnPendingBatches: intp(10)})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if stored.WarnWGAgeSec == nil || *stored.WarnWGAgeSec != 600 {
		t.Errorf("earlier axis lost: %v", stored.WarnWGAgeSec)
	}
	if stored.WarnPendingBatches == nil || *stored.WarnPendingBatches != 10 {
		t.Errorf("warn_pending = %v, want 10", stored.WarnPendingBatches)
	}
}

func TestUpsertOverrideClampsAndRepairs(t *testing.T) {
	conn := setupTestDB(t)

	stored, _, err := UpsertOverride(conn, "central-1", OverrideUpsert{
		WarnPendingBatches: intp(20),
		BadPendingBatches:  intp(5),
	})
	if err != nil {
		t.Fatalf("UpsertOverride failed: %v", err)
	}
	if *stored.WarnPendingBatches != 20 {
		t.Errorf("warn_pending = %d, want 20", *stored.WarnPendingBatches)
	}
	if *stored.BadPendingBatches != 21 {
		t.Errorf("bad_pending = %d, want repaired 21", *stored.BadPendingBatches)
	}

	stored, _, err = UpsertOverride(conn, "central-2", OverrideUpsert{
		WarnHeartbeatAgeSec: intp(999999),
	})
	if err != nil {
		t.Fatalf("UpsertOverride failed: %v", err)
	}
	if *stored.WarnHeartbeatAgeSec != 3600 {
		t.Errorf("warn_heartbeat = %d, want clamped 3600", *stored.WarnHeartbeatAgeSec)
	}
}

func TestUpsertOverrideLeavesHalfPairUnrepaired(t *testing.T) {
	conn := setupTestDB(t)

	// Only the warn side is stored; the bad side stays nil so resolution
	// against the global policy handles the repair.
	stored, _, err := UpsertOverride(conn, "central-7", OverrideUpsert{
		WarnPendingBatches: intp(5),
	})
	if err != nil {
		t.Fatalf("UpsertOverride failed: %v", err)
	}
	if stored.BadPendingBatches != nil {
		t.Errorf("bad_pending = %v, want nil", stored.BadPendingBatches)
	}

	global := Normalize(map[string]string{"bad_pending_batches": "3"})
	eff := Resolve(global, stored)
	if eff.WarnPendingBatches != 5 || eff.BadPendingBatches != 6 {
		t.Errorf("effective pending = %d/%d, want 5/6", eff.WarnPendingBatches, eff.BadPendingBatches)
	}
}

func TestUpsertOverrideValidation(t *testing.T) {
	conn := setupTestDB(t)

	if _, _, err := UpsertOverride(conn, "", OverrideUpsert{WarnWGAgeSec: intp(600)}); !errors.Is(err, ErrInvalidCentralID) {
		t.Errorf("blank central id: err = %v, want ErrInvalidCentralID", err)
	}
	if _, _, err := UpsertOverride(conn, "central-1", OverrideUpsert{}); !errors.Is(err, ErrNoOverrideFields) {
		t.Errorf("empty payload: err = %v, want ErrNoOverrideFields", err)
	}
}

func TestListOverrides(t *testing.T) {
	conn := setupTestDB(t)

	for _, id := range []string{"central-b", "central-a", "central-c"} {
		if _, _, err := UpsertOverride(conn, id, OverrideUpsert{WarnWGAgeSec: intp(600)}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	list, err := ListOverrides(conn, 10)
	if err != nil {
		t.Fatalf("ListOverrides failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if list[0].CentralID != "central-a" || list[2].CentralID != "central-c" {
		t.Errorf("order = %s,%s,%s, want central ids ascending", list[0].CentralID, list[1].CentralID, list[2].CentralID)
	}

	list, err = ListOverrides(conn, 2)
	if err != nil {
		t.Fatalf("ListOverrides with limit failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("limited len = %d, want 2", len(list))
	}
}

func TestDeleteOverride(t *testing.T) {
	conn := setupTestDB(t)

	if _, _, err := UpsertOverride(conn, "central-1", OverrideUpsert{WarnWGAgeSec: intp(600)}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := DeleteOverride(conn, "central-1"); err != nil {
		t.Fatalf("DeleteOverride failed: %v", err)
	}
	got, err := GetOverride(conn, "central-1")
	if err != nil {
		t.Fatalf("GetOverride failed: %v", err)
	}
	if got != nil {
		t.Errorf("override survived delete: %+v", got)
	}

	if err := DeleteOverride(conn, "central-1"); !errors.Is(err, ErrOverrideNotFound) {
		t.Errorf("second delete: err = %v, want ErrOverrideNotFound", err)
	}
}

func TestApplyUpdate(t *testing.T) {
	conn := setupTestDB(t)
	if err := initSettingsForTest(conn); err != nil {
		t.Fatalf("settings init failed: %v", err)
	}

	warn := 200
	auto := true
	sev := "warn"
	resolved, keys, err := ApplyUpdate(conn, Update{
		WarnHeartbeatAgeSec: &warn,
		AutoEnabled:         &auto,
		AutoMinSeverity:     &sev,
	})
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	wantKeys := []string{"auto_enabled", "auto_min_severity", "warn_heartbeat_age_sec"}
	if !reflect.DeepEqual(keys, wantKeys) {
		t.Errorf("keys = %v, want %v", keys, wantKeys)
	}
	if resolved.WarnHeartbeatAgeSec != 200 {
		t.Errorf("warn_heartbeat = %d, want 200", resolved.WarnHeartbeatAgeSec)
	}
	if !resolved.AutoEnabled {
		t.Error("auto_enabled not applied")
	}
	if resolved.AutoMinSeverity.String() != "warn" {
		t.Errorf("auto_min_severity = %v, want warn", resolved.AutoMinSeverity)
	}

	// Persisted: a fresh load sees the same values.
	loaded, err := Load(conn)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.WarnHeartbeatAgeSec != 200 || !loaded.AutoEnabled {
		t.Errorf("reload = %d/%v, want 200/true", loaded.WarnHeartbeatAgeSec, loaded.AutoEnabled)
	}
}

func TestApplyUpdateRejectsBadEnums(t *testing.T) {
	conn := setupTestDB(t)
	if err := initSettingsForTest(conn); err != nil {
		t.Fatalf("settings init failed: %v", err)
	}

	bad := "catastrophic"
	_, _, err := ApplyUpdate(conn, Update{AutoMinSeverity: &bad})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "auto_min_severity" {
		t.Errorf("err = %v, want ValidationError{auto_min_severity}", err)
	}

	ch := "pager"
	_, _, err = ApplyUpdate(conn, Update{AutoChannel: &ch})
	if !errors.As(err, &verr) || verr.Field != "auto_channel" {
		t.Errorf("err = %v, want ValidationError{auto_channel}", err)
	}

	w := "90m"
	_, _, err = ApplyUpdate(conn, Update{AutoWindow: &w})
	if !errors.As(err, &verr) || verr.Field != "auto_window" {
		t.Errorf("err = %v, want ValidationError{auto_window}", err)
	}
}
