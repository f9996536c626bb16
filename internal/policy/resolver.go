package policy

import (
	"strconv"
	"strings"

	"fleetmon/internal/severity"
)

// Clamping bounds per threshold axis. The warn/bad pair of every axis must
// end up with bad strictly above warn; repair bumps bad by the axis gap.
const (
	warnAgeLower = 30
	warnAgeUpper = 3600
	badAgeLower  = 60
	badAgeUpper  = 7200
	ageGap       = 30

	pendingLower   = 1
	warnPendingCap = 1000
	badPendingCap  = 5000
	pendingGap     = 1

	slaTargetLower = 60
	slaTargetUpper = 86400

	autoIntervalLower = 60
	autoIntervalUpper = 86400
)

var (
	validChannels = map[string]bool{"auto": true, "telegram": true, "email": true, "all": true}
	validWindows  = map[string]bool{"1h": true, "6h": true, "24h": true, "7d": true}
)

func clampInt(raw string, lower, upper, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		v = def
	}
	return clamp(v, lower, upper)
}

func clamp(v, lower, upper int) int {
	if v < lower {
		return lower
	}
	if v > upper {
		return upper
	}
	return v
}

func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// repairPair bumps bad above warn when the pair is inconsistent.
func repairPair(warn, bad, gap, upper int) int {
	if bad <= warn {
		return min(upper, warn+gap)
	}
	return bad
}

// Normalize resolves raw monitor settings into a consistent MonitorPolicy.
// Missing or unparseable values fall back to defaults; out-of-range values
// are clamped; an inverted warn/bad pair is repaired, never rejected.
func Normalize(raw map[string]string) MonitorPolicy {
	p := MonitorPolicy{
		WarnHeartbeatAgeSec: clampInt(raw["warn_heartbeat_age_sec"], warnAgeLower, warnAgeUpper, 120),
		BadHeartbeatAgeSec:  clampInt(raw["bad_heartbeat_age_sec"], badAgeLower, badAgeUpper, 600),
		WarnPendingBatches:  clampInt(raw["warn_pending_batches"], pendingLower, warnPendingCap, 1),
		BadPendingBatches:   clampInt(raw["bad_pending_batches"], pendingLower, badPendingCap, 50),
		WarnWGAgeSec:        clampInt(raw["warn_wg_age_sec"], warnAgeLower, warnAgeUpper, 300),
		BadWGAgeSec:         clampInt(raw["bad_wg_age_sec"], badAgeLower, badAgeUpper, 1200),
		SLABadTargetSec:     clampInt(raw["sla_bad_target_sec"], slaTargetLower, slaTargetUpper, 900),
		SLAWarnTargetSec:    clampInt(raw["sla_warn_target_sec"], slaTargetLower, slaTargetUpper, 3600),
		AutoEnabled:         parseBool(raw["auto_enabled"], false),
		AutoNotifyRecovery:  parseBool(raw["auto_notify_recovery"], true),
		AutoMinIntervalSec:  clampInt(raw["auto_min_interval_sec"], autoIntervalLower, autoIntervalUpper, 900),
		AutoMinSeverity:     severity.Bad,
		AutoChannel:         "auto",
		AutoWindow:          "24h",
	}

	p.BadHeartbeatAgeSec = repairPair(p.WarnHeartbeatAgeSec, p.BadHeartbeatAgeSec, ageGap, badAgeUpper)
	p.BadPendingBatches = repairPair(p.WarnPendingBatches, p.BadPendingBatches, pendingGap, badPendingCap)
	p.BadWGAgeSec = repairPair(p.WarnWGAgeSec, p.BadWGAgeSec, ageGap, badAgeUpper)

	if lvl, ok := severity.Parse(raw["auto_min_severity"]); ok {
		p.AutoMinSeverity = lvl
	}
	if ch := strings.ToLower(strings.TrimSpace(raw["auto_channel"])); validChannels[ch] {
		p.AutoChannel = ch
	}
	if w := strings.ToLower(strings.TrimSpace(raw["auto_window"])); validWindows[w] {
		p.AutoWindow = w
	}
	return p
}

// Resolve merges a per-central override into the global policy. Each axis
// uses the override value when present and the global value otherwise, then
// the warn/bad pair is repaired against whatever combination resulted.
func Resolve(global MonitorPolicy, o *Override) Effective {
	eff := Effective{
		WarnHeartbeatAgeSec: global.WarnHeartbeatAgeSec,
		BadHeartbeatAgeSec:  global.BadHeartbeatAgeSec,
		WarnPendingBatches:  global.WarnPendingBatches,
		BadPendingBatches:   global.BadPendingBatches,
		WarnWGAgeSec:        global.WarnWGAgeSec,
		BadWGAgeSec:         global.BadWGAgeSec,
		Source:              "global",
	}
	if o == nil {
		return eff
	}
	eff.Source = "override"
	if o.WarnHeartbeatAgeSec != nil {
		eff.WarnHeartbeatAgeSec = clamp(*o.WarnHeartbeatAgeSec, warnAgeLower, warnAgeUpper)
	}
	if o.BadHeartbeatAgeSec != nil {
		eff.BadHeartbeatAgeSec = clamp(*o.BadHeartbeatAgeSec, badAgeLower, badAgeUpper)
	}
	if o.WarnPendingBatches != nil {
		eff.WarnPendingBatches = clamp(*o.WarnPendingBatches, pendingLower, warnPendingCap)
	}
	if o.BadPendingBatches != nil {
		eff.BadPendingBatches = clamp(*o.BadPendingBatches, pendingLower, badPendingCap)
	}
	if o.WarnWGAgeSec != nil {
		eff.WarnWGAgeSec = clamp(*o.WarnWGAgeSec, warnAgeLower, warnAgeUpper)
	}
	if o.BadWGAgeSec != nil {
		eff.BadWGAgeSec = clamp(*o.BadWGAgeSec, badAgeLower, badAgeUpper)
	}

	eff.BadHeartbeatAgeSec = repairPair(eff.WarnHeartbeatAgeSec, eff.BadHeartbeatAgeSec, ageGap, badAgeUpper)
	eff.BadPendingBatches = repairPair(eff.WarnPendingBatches, eff.BadPendingBatches, pendingGap, badPendingCap)
	eff.BadWGAgeSec = repairPair(eff.WarnWGAgeSec, eff.BadWGAgeSec, ageGap, badAgeUpper)
	return eff
}

// SLATargetSec returns the resolution target for a severity, or 0 when the
// severity carries no SLA.
func (p MonitorPolicy) SLATargetSec(level severity.Level) int {
	switch level {
	case severity.Bad:
		return p.SLABadTargetSec
	case severity.Warn:
		return p.SLAWarnTargetSec
	default:
		return 0
	}
}
