package monitor

import (
	"database/sql"
	"fmt"
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/incident"
	"fleetmon/internal/notify"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

// The fleet-health stream uses a reserved incident key so its history
// lives in the same notification log as per-central incidents.
const (
	FleetCentralID = "fleet"
	FleetCode      = "fleet_health"

	EventFleetAuto     = "fleet_health_auto"
	EventFleetRecovery = "fleet_health_recovery"
)

// Auto-notify decisions.
const (
	DecisionSend       = "send"
	DecisionSkip       = "skip"
	DecisionDisabled   = "disabled"
	DecisionNoChannels = "no_channels"
)

// AutoResult explains what the fleet-health notifier decided and why.
type AutoResult struct {
	Decision string          `json:"decision"`
	Reason   string          `json:"reason,omitempty"`
	State    severity.Level  `json:"state"`
	Event    string          `json:"event,omitempty"`
	Records  []notify.Record `json:"records,omitempty"`
}

// AutoNotify evaluates whether the current fleet state warrants an
// automated notification and delivers one when it does. Force sends
// regardless of the enable flag and rate interval; dry runs log skipped
// rows instead of delivering.
func AutoNotify(conn *sql.DB, d *notify.Dispatcher, pol policy.MonitorPolicy, snap Snapshot, force, dryRun bool, now time.Time) (AutoResult, error) {
	res := AutoResult{State: snap.State}

	if !pol.AutoEnabled && !force {
		res.Decision = DecisionDisabled
		return res, nil
	}

	s, err := notify.Load(conn)
	if err != nil {
		return res, err
	}
	channels := channelsForMode(pol.AutoChannel, s)
	if len(channels) == 0 {
		res.Decision = DecisionNoChannels
		return res, nil
	}

	// Dry-run rows are excluded so rehearsals never mask a real change.
	last, err := notify.LastForKey(conn, FleetCentralID, FleetCode, true)
	if err != nil {
		return res, err
	}
	prevDegraded := last != nil && last.Event == EventFleetAuto

	degraded := snap.State.Rank() >= pol.AutoMinSeverity.Rank()

	switch {
	case force:
		res.Decision, res.Reason, res.Event = DecisionSend, "forced", EventFleetAuto
	case degraded && (last == nil || !prevDegraded):
		res.Decision, res.Reason, res.Event = DecisionSend, "initial_degraded_state", EventFleetAuto
	case degraded && last.Severity != snap.State:
		res.Decision, res.Event = DecisionSend, EventFleetAuto
		res.Reason = fmt.Sprintf("state_changed:%s->%s", last.Severity, snap.State)
	case degraded && intervalElapsed(last.Ts, pol.AutoMinIntervalSec, now):
		res.Decision, res.Reason, res.Event = DecisionSend, "rate_interval_elapsed", EventFleetAuto
	case degraded:
		res.Decision, res.Reason = DecisionSkip, "rate_limited"
		return res, nil
	case pol.AutoNotifyRecovery && prevDegraded:
		res.Decision, res.Reason, res.Event = DecisionSend, "recovered", EventFleetRecovery
	default:
		res.Decision, res.Reason = DecisionSkip, "healthy"
		return res, nil
	}

	ev := incident.Event{
		CentralID: FleetCentralID,
		Code:      FleetCode,
		Severity:  snap.State,
		Event:     res.Event,
		Message:   fleetMessage(snap, res.Event),
	}
	res.Records = d.Deliver(ev, channels, dryRun, now)
	return res, nil
}

func channelsForMode(mode string, s notify.Settings) []string {
	switch mode {
	case "all":
		return []string{notify.ChannelTelegram, notify.ChannelEmail}
	case notify.ChannelTelegram, notify.ChannelEmail:
		return []string{mode}
	default:
		var out []string
		if s.NotifyTelegram {
			out = append(out, notify.ChannelTelegram)
		}
		if s.NotifyEmail {
			out = append(out, notify.ChannelEmail)
		}
		return out
	}
}

func intervalElapsed(lastTs string, minIntervalSec int, now time.Time) bool {
	last, ok := db.ParseTS(lastTs)
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(minIntervalSec)*time.Second
}

func fleetMessage(snap Snapshot, event string) string {
	if event == EventFleetRecovery {
		return fmt.Sprintf("fleet recovered: %d/%d centrals good, %d open incidents",
			snap.Fleet.Good, snap.Fleet.Centrals, snap.Incidents.Open)
	}
	return fmt.Sprintf("%s: %d/%d centrals degraded, %d open incidents, %d breaching SLA",
		snap.StateMessage, snap.Fleet.Warn+snap.Fleet.Bad, snap.Fleet.Centrals,
		snap.Incidents.Open, snap.Incidents.SLABreached)
}
