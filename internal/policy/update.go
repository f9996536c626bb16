package policy

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"fleetmon/internal/settings"
	"fleetmon/internal/severity"
)

// ApplyUpdate validates and persists a partial policy update, then returns
// the re-resolved policy and the sorted list of keys that changed. Numeric
// fields are clamped into range at write time; enum fields are rejected
// with a ValidationError rather than coerced.
func ApplyUpdate(db *sql.DB, upd Update) (MonitorPolicy, []string, error) {
	updates := map[string]string{}

	putInt := func(key string, v *int, lower, upper int) {
		if v != nil {
			updates[key] = strconv.Itoa(clamp(*v, lower, upper))
		}
	}
	putBool := func(key string, v *bool) {
		if v != nil {
			updates[key] = strconv.FormatBool(*v)
		}
	}

	putInt("warn_heartbeat_age_sec", upd.WarnHeartbeatAgeSec, warnAgeLower, warnAgeUpper)
	putInt("bad_heartbeat_age_sec", upd.BadHeartbeatAgeSec, badAgeLower, badAgeUpper)
	putInt("warn_pending_batches", upd.WarnPendingBatches, pendingLower, warnPendingCap)
	putInt("bad_pending_batches", upd.BadPendingBatches, pendingLower, badPendingCap)
	putInt("warn_wg_age_sec", upd.WarnWGAgeSec, warnAgeLower, warnAgeUpper)
	putInt("bad_wg_age_sec", upd.BadWGAgeSec, badAgeLower, badAgeUpper)
	putInt("sla_bad_target_sec", upd.SLABadTargetSec, slaTargetLower, slaTargetUpper)
	putInt("sla_warn_target_sec", upd.SLAWarnTargetSec, slaTargetLower, slaTargetUpper)
	putBool("auto_enabled", upd.AutoEnabled)
	putBool("auto_notify_recovery", upd.AutoNotifyRecovery)
	putInt("auto_min_interval_sec", upd.AutoMinIntervalSec, autoIntervalLower, autoIntervalUpper)

	if upd.AutoMinSeverity != nil {
		lvl, ok := severity.Parse(*upd.AutoMinSeverity)
		if !ok {
			return MonitorPolicy{}, nil, &ValidationError{Field: "auto_min_severity"}
		}
		updates["auto_min_severity"] = lvl.String()
	}
	if upd.AutoChannel != nil {
		ch := strings.ToLower(strings.TrimSpace(*upd.AutoChannel))
		if !validChannels[ch] {
			return MonitorPolicy{}, nil, &ValidationError{Field: "auto_channel"}
		}
		updates["auto_channel"] = ch
	}
	if upd.AutoWindow != nil {
		w := strings.ToLower(strings.TrimSpace(*upd.AutoWindow))
		if !validWindows[w] {
			return MonitorPolicy{}, nil, &ValidationError{Field: "auto_window"}
		}
		updates["auto_window"] = w
	}

	if len(updates) > 0 {
		if err := settings.UpdateCategory(db, settings.CategoryMonitor, updates); err != nil {
			return MonitorPolicy{}, nil, fmt.Errorf("update monitor policy: %w", err)
		}
	}

	resolved, err := Load(db)
	if err != nil {
		return MonitorPolicy{}, nil, err
	}

	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return resolved, keys, nil
}

// Load reads and normalizes the global monitor policy.
func Load(db *sql.DB) (MonitorPolicy, error) {
	raw, err := settings.GetCategoryMap(db, settings.CategoryMonitor)
	if err != nil {
		return MonitorPolicy{}, fmt.Errorf("load monitor policy: %w", err)
	}
	return Normalize(raw), nil
}
