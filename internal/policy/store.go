package policy

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"fleetmon/internal/db"
)

var (
	// ErrOverrideNotFound is returned when no override exists for a central.
	ErrOverrideNotFound = errors.New("override_not_found")
	// ErrNoOverrideFields is returned when an upsert carries no threshold fields.
	ErrNoOverrideFields = errors.New("no_override_fields")
	// ErrInvalidCentralID is returned for a blank central id.
	ErrInvalidCentralID = errors.New("invalid_central_id")
)

const overrideColumns = `
	central_id, warn_heartbeat_age_sec, bad_heartbeat_age_sec,
	warn_pending_batches, bad_pending_batches,
	warn_wg_age_sec, bad_wg_age_sec, updated_at`

// ListOverrides returns per-central overrides ordered by central id.
func ListOverrides(conn *sql.DB, limit int) ([]Override, error) {
	rows, err := conn.Query(`
		SELECT `+overrideColumns+`
		FROM monitor_policy_overrides
		ORDER BY central_id ASC LIMIT ?`, boundLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list policy overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOverride returns the override for one central, or nil if unset.
func GetOverride(conn *sql.DB, centralID string) (*Override, error) {
	row := conn.QueryRow(`
		SELECT `+overrideColumns+`
		FROM monitor_policy_overrides
		WHERE central_id = ?`, centralID)
	o, err := scanOverride(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// OverrideUpsert is the partial payload for UpsertOverride. Nil fields keep
// the stored value for that axis.
type OverrideUpsert struct {
	WarnHeartbeatAgeSec *int `json:"warn_heartbeat_age_sec"`
	BadHeartbeatAgeSec  *int `json:"bad_heartbeat_age_sec"`
	WarnPendingBatches  *int `json:"warn_pending_batches"`
	BadPendingBatches   *int `json:"bad_pending_batches"`
	WarnWGAgeSec        *int `json:"warn_wg_age_sec"`
	BadWGAgeSec         *int `json:"bad_wg_age_sec"`
}

func (u OverrideUpsert) empty() bool {
	return u.WarnHeartbeatAgeSec == nil && u.BadHeartbeatAgeSec == nil &&
		u.WarnPendingBatches == nil && u.BadPendingBatches == nil &&
		u.WarnWGAgeSec == nil && u.BadWGAgeSec == nil
}

// UpsertOverride merges the payload into any existing override row, clamps
// the supplied values, repairs inverted warn/bad pairs against the merged
// values, and writes the result. Returns the stored row and the sorted list
// of keys the payload touched.
func UpsertOverride(conn *sql.DB, centralID string, upsert OverrideUpsert) (*Override, []string, error) {
	if centralID == "" {
		return nil, nil, ErrInvalidCentralID
	}
	if upsert.empty() {
		return nil, nil, ErrNoOverrideFields
	}

	current, err := GetOverride(conn, centralID)
	if err != nil {
		return nil, nil, err
	}

	merged := Override{CentralID: centralID}
	if current != nil {
		merged = *current
	}

	var keys []string
	apply := func(key string, dst **int, src *int, lower, upper int) {
		if src == nil {
			return
		}
		v := clamp(*src, lower, upper)
		*dst = &v
		keys = append(keys, key)
	}
	apply("warn_heartbeat_age_sec", &merged.WarnHeartbeatAgeSec, upsert.WarnHeartbeatAgeSec, warnAgeLower, warnAgeUpper)
	apply("bad_heartbeat_age_sec", &merged.BadHeartbeatAgeSec, upsert.BadHeartbeatAgeSec, badAgeLower, badAgeUpper)
	apply("warn_pending_batches", &merged.WarnPendingBatches, upsert.WarnPendingBatches, pendingLower, warnPendingCap)
	apply("bad_pending_batches", &merged.BadPendingBatches, upsert.BadPendingBatches, pendingLower, badPendingCap)
	apply("warn_wg_age_sec", &merged.WarnWGAgeSec, upsert.WarnWGAgeSec, warnAgeLower, warnAgeUpper)
	apply("bad_wg_age_sec", &merged.BadWGAgeSec, upsert.BadWGAgeSec, badAgeLower, badAgeUpper)

	repairAxis(merged.WarnHeartbeatAgeSec, &merged.BadHeartbeatAgeSec, ageGap, badAgeUpper)
	repairAxis(merged.WarnPendingBatches, &merged.BadPendingBatches, pendingGap, badPendingCap)
	repairAxis(merged.WarnWGAgeSec, &merged.BadWGAgeSec, ageGap, badAgeUpper)

	ts := db.FormatTS(time.Now())
	_, err = conn.Exec(`
		INSERT INTO monitor_policy_overrides(
			central_id, warn_heartbeat_age_sec, bad_heartbeat_age_sec,
			warn_pending_batches, bad_pending_batches,
			warn_wg_age_sec, bad_wg_age_sec, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(central_id) DO UPDATE SET
			warn_heartbeat_age_sec = excluded.warn_heartbeat_age_sec,
			bad_heartbeat_age_sec  = excluded.bad_heartbeat_age_sec,
			warn_pending_batches   = excluded.warn_pending_batches,
			bad_pending_batches    = excluded.bad_pending_batches,
			warn_wg_age_sec        = excluded.warn_wg_age_sec,
			bad_wg_age_sec         = excluded.bad_wg_age_sec,
			updated_at             = excluded.updated_at`,
		centralID,
		nullableInt(merged.WarnHeartbeatAgeSec), nullableInt(merged.BadHeartbeatAgeSec),
		nullableInt(merged.WarnPendingBatches), nullableInt(merged.BadPendingBatches),
		nullableInt(merged.WarnWGAgeSec), nullableInt(merged.BadWGAgeSec),
		ts)
	if err != nil {
		return nil, nil, fmt.Errorf("upsert policy override: %w", err)
	}

	stored, err := GetOverride(conn, centralID)
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		return nil, nil, fmt.Errorf("upsert policy override: row missing after write")
	}
	sort.Strings(keys)
	return stored, keys, nil
}

// DeleteOverride removes the override for one central.
func DeleteOverride(conn *sql.DB, centralID string) error {
	if centralID == "" {
		return ErrInvalidCentralID
	}
	res, err := conn.Exec(`DELETE FROM monitor_policy_overrides WHERE central_id = ?`, centralID)
	if err != nil {
		return fmt.Errorf("delete policy override: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete policy override: rows affected: %w", err)
	}
	if n == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

// repairAxis bumps a stored bad value above the warn value when both are set.
// Axes with a missing side are left alone; Resolve repairs them against the
// global policy at read time instead.
func repairAxis(warn *int, bad **int, gap, upper int) {
	if warn == nil || *bad == nil {
		return
	}
	if **bad <= *warn {
		fixed := min(upper, *warn+gap)
		*bad = &fixed
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOverride(s scannable) (Override, error) {
	var o Override
	var warnHB, badHB, warnPB, badPB, warnWG, badWG sql.NullInt64
	err := s.Scan(&o.CentralID, &warnHB, &badHB, &warnPB, &badPB, &warnWG, &badWG, &o.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return o, err
		}
		return o, fmt.Errorf("scan policy override: %w", err)
	}
	o.WarnHeartbeatAgeSec = intPtr(warnHB)
	o.BadHeartbeatAgeSec = intPtr(badHB)
	o.WarnPendingBatches = intPtr(warnPB)
	o.BadPendingBatches = intPtr(badPB)
	o.WarnWGAgeSec = intPtr(warnWG)
	o.BadWGAgeSec = intPtr(badWG)
	return o, nil
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
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
