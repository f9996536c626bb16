package fleet

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

// Classify derives the alert set for one heartbeat under the effective
// thresholds. The central's own declared alerts are carried through after
// the derived ones; the returned alerts carry no operator state yet.
func Classify(hb Heartbeat, eff policy.Effective, now time.Time) []Alert {
	var alerts []Alert

	received, ok := db.ParseTS(hb.TsReceived)
	if !ok {
		alerts = append(alerts, Alert{
			Code:     "heartbeat_missing",
			Severity: severity.Bad,
			Message:  "heartbeat timestamp missing or invalid",
		})
	} else {
		age := int(now.Sub(received).Seconds())
		if age >= eff.BadHeartbeatAgeSec {
			alerts = append(alerts, Alert{
				Code:     "heartbeat_stale",
				Severity: severity.Bad,
				Message:  fmt.Sprintf("last heartbeat is %ds old", age),
			})
		} else if age >= eff.WarnHeartbeatAgeSec {
			alerts = append(alerts, Alert{
				Code:     "heartbeat_slow",
				Severity: severity.Warn,
				Message:  fmt.Sprintf("last heartbeat is %ds old", age),
			})
		}
	}

	if pending := hb.Queue.PendingBatches; pending >= eff.BadPendingBatches {
		alerts = append(alerts, Alert{
			Code:     "queue_backlog_high",
			Severity: severity.Bad,
			Message:  fmt.Sprintf("pending batches = %d", pending),
		})
	} else if pending >= eff.WarnPendingBatches {
		alerts = append(alerts, Alert{
			Code:     "queue_backlog",
			Severity: severity.Warn,
			Message:  fmt.Sprintf("pending batches = %d", pending),
		})
	}

	if hb.Queue.WGHandshakeAgeSec != nil {
		wgAge := *hb.Queue.WGHandshakeAgeSec
		if wgAge >= eff.BadWGAgeSec {
			alerts = append(alerts, Alert{
				Code:     "wg_handshake_stale",
				Severity: severity.Bad,
				Message:  fmt.Sprintf("wireguard handshake age is %ds", wgAge),
			})
		} else if wgAge >= eff.WarnWGAgeSec {
			alerts = append(alerts, Alert{
				Code:     "wg_handshake_slow",
				Severity: severity.Warn,
				Message:  fmt.Sprintf("wireguard handshake age is %ds", wgAge),
			})
		}
	}

	for _, declared := range hb.Declared {
		code := declared.Code
		if code == "" {
			code = "alert"
		}
		alerts = append(alerts, Alert{
			Code:     code,
			Severity: severity.Normalize(declared.Severity),
			Message:  declared.Message,
		})
	}
	return alerts
}

// AnnotateStates copies persisted ack/silence state onto the alerts.
func AnnotateStates(alerts []Alert, centralID string, states map[StateKey]AlertState) []Alert {
	for i := range alerts {
		st, ok := states[StateKey{CentralID: centralID, Code: alerts[i].Code}]
		if !ok {
			continue
		}
		alerts[i].AckedAt = st.AckedAt
		alerts[i].AckedBy = st.AckedBy
		alerts[i].SilencedUntil = st.SilencedUntil
		alerts[i].SilencedBy = st.SilencedBy
		alerts[i].Silenced = st.Silenced
	}
	return alerts
}

// ComputeHealth rolls the alert set up into the central's health summary.
// Only active (non-silenced) alerts drive the severity.
func ComputeHealth(alerts []Alert) Health {
	h := Health{Severity: severity.Good, AlertsAllTotal: len(alerts)}
	for _, a := range alerts {
		if !a.Active() {
			h.AlertsSilenced++
			continue
		}
		h.AlertsTotal++
		h.Severity = severity.Max(h.Severity, a.Severity)
		switch a.Severity {
		case severity.Warn:
			h.AlertsWarn++
		case severity.Bad:
			h.AlertsBad++
		}
	}
	return h
}

// BuildNodes loads the latest heartbeat per central and classifies each one
// under its effective policy, annotated with persisted operator state.
func BuildNodes(conn *sql.DB, global policy.MonitorPolicy, overrides map[string]*policy.Override, now time.Time) ([]Node, error) {
	heartbeats, err := ListLatest(conn)
	if err != nil {
		return nil, err
	}
	states, err := LoadAlertStates(conn, now)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(heartbeats))
	for _, hb := range heartbeats {
		eff := policy.Resolve(global, overrides[hb.CentralID])
		alerts := AnnotateStates(Classify(hb, eff, now), hb.CentralID, states)

		ageSec := -1
		if received, ok := db.ParseTS(hb.TsReceived); ok {
			ageSec = int(now.Sub(received).Seconds())
		}
		nodes = append(nodes, Node{
			CentralID:    hb.CentralID,
			VehicleID:    hb.VehicleID,
			TsSent:       hb.TsSent,
			TsReceived:   hb.TsReceived,
			AgeSec:       ageSec,
			Queue:        hb.Queue,
			PolicySource: eff.Source,
			Alerts:       alerts,
			Health:       ComputeHealth(alerts),
		})
	}
	return nodes, nil
}

// OverridesByCentral indexes override rows for Resolve lookups.
func OverridesByCentral(overrides []policy.Override) map[string]*policy.Override {
	out := make(map[string]*policy.Override, len(overrides))
	for i := range overrides {
		out[overrides[i].CentralID] = &overrides[i]
	}
	return out
}

// sortAlertsWorstFirst orders alerts by severity, then age, then central id,
// worst and oldest first.
func sortAlertsWorstFirst(alerts []FlatAlert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
		}
		if alerts[i].AgeSec != alerts[j].AgeSec {
			return alerts[i].AgeSec > alerts[j].AgeSec
		}
		return alerts[i].CentralID < alerts[j].CentralID
	})
}
