package policy

import "fleetmon/internal/severity"

// MonitorPolicy is the resolved global monitoring policy: classification
// thresholds, SLA targets, and automated fleet-health notification settings.
// All numeric fields are clamped and repaired; this struct never leaves the
// resolver in an inconsistent state (bad > warn holds for every pair).
type MonitorPolicy struct {
	WarnHeartbeatAgeSec int `json:"warn_heartbeat_age_sec"`
	BadHeartbeatAgeSec  int `json:"bad_heartbeat_age_sec"`
	WarnPendingBatches  int `json:"warn_pending_batches"`
	BadPendingBatches   int `json:"bad_pending_batches"`
	WarnWGAgeSec        int `json:"warn_wg_age_sec"`
	BadWGAgeSec         int `json:"bad_wg_age_sec"`

	SLABadTargetSec  int `json:"sla_bad_target_sec"`
	SLAWarnTargetSec int `json:"sla_warn_target_sec"`

	AutoEnabled        bool           `json:"auto_enabled"`
	AutoNotifyRecovery bool           `json:"auto_notify_recovery"`
	AutoMinIntervalSec int            `json:"auto_min_interval_sec"`
	AutoMinSeverity    severity.Level `json:"auto_min_severity"`
	AutoChannel        string         `json:"auto_channel"`
	AutoWindow         string         `json:"auto_window"`
}

// Override holds per-central threshold overrides. Nil fields fall back to
// the global policy for that axis.
type Override struct {
	CentralID           string `json:"central_id"`
	WarnHeartbeatAgeSec *int   `json:"warn_heartbeat_age_sec"`
	BadHeartbeatAgeSec  *int   `json:"bad_heartbeat_age_sec"`
	WarnPendingBatches  *int   `json:"warn_pending_batches"`
	BadPendingBatches   *int   `json:"bad_pending_batches"`
	WarnWGAgeSec        *int   `json:"warn_wg_age_sec"`
	BadWGAgeSec         *int   `json:"bad_wg_age_sec"`
	UpdatedAt           string `json:"updated_at"`
}

// Effective is the threshold set that actually applies to one central after
// override resolution and consistency repair.
type Effective struct {
	WarnHeartbeatAgeSec int    `json:"warn_heartbeat_age_sec"`
	BadHeartbeatAgeSec  int    `json:"bad_heartbeat_age_sec"`
	WarnPendingBatches  int    `json:"warn_pending_batches"`
	BadPendingBatches   int    `json:"bad_pending_batches"`
	WarnWGAgeSec        int    `json:"warn_wg_age_sec"`
	BadWGAgeSec         int    `json:"bad_wg_age_sec"`
	Source              string `json:"source"` // "global" or "override"
}

// Update is a partial policy mutation. Nil fields are left untouched.
type Update struct {
	WarnHeartbeatAgeSec *int    `json:"warn_heartbeat_age_sec"`
	BadHeartbeatAgeSec  *int    `json:"bad_heartbeat_age_sec"`
	WarnPendingBatches  *int    `json:"warn_pending_batches"`
	BadPendingBatches   *int    `json:"bad_pending_batches"`
	WarnWGAgeSec        *int    `json:"warn_wg_age_sec"`
	BadWGAgeSec         *int    `json:"bad_wg_age_sec"`
	SLABadTargetSec     *int    `json:"sla_bad_target_sec"`
	SLAWarnTargetSec    *int    `json:"sla_warn_target_sec"`
	AutoEnabled         *bool   `json:"auto_enabled"`
	AutoNotifyRecovery  *bool   `json:"auto_notify_recovery"`
	AutoMinIntervalSec  *int    `json:"auto_min_interval_sec"`
	AutoMinSeverity     *string `json:"auto_min_severity"`
	AutoChannel         *string `json:"auto_channel"`
	AutoWindow          *string `json:"auto_window"`
}

// ValidationError is a client error naming the rejected field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "invalid_" + e.Field
}
