package fleet

import (
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/severity"
)

// FlatAlert is one alert flattened across the fleet for list and group
// views.
type FlatAlert struct {
	Severity      severity.Level `json:"severity"`
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	CentralID     string         `json:"central_id"`
	VehicleID     string         `json:"vehicle_id"`
	AgeSec        int            `json:"age_sec"`
	TsReceived    string         `json:"ts_received"`
	Silenced      bool           `json:"silenced"`
	SilencedUntil string         `json:"silenced_until,omitempty"`
	AckedAt       string         `json:"acked_at,omitempty"`
	AckedBy       string         `json:"acked_by,omitempty"`
}

// Totals aggregates fleet-wide counters over all centrals.
type Totals struct {
	Centrals            int     `json:"centrals"`
	Good                int     `json:"good"`
	Warn                int     `json:"warn"`
	Bad                 int     `json:"bad"`
	WithAlerts          int     `json:"with_alerts"`
	AlertsTotal         int     `json:"alerts_total"`
	AlertsAllTotal      int     `json:"alerts_all_total"`
	AlertsSilenced      int     `json:"alerts_silenced"`
	PendingBatchesTotal int     `json:"pending_batches_total"`
	CentralsWithPending int     `json:"centrals_with_pending"`
	CentralsWGStale     int     `json:"centrals_wg_stale"`
	HealthyRatio        float64 `json:"healthy_ratio"`
}

// Overview is the composed fleet view: totals plus every alert flattened
// and sorted worst first.
type Overview struct {
	TsGenerated string      `json:"ts_generated"`
	Totals      Totals      `json:"totals"`
	Alerts      []FlatAlert `json:"alerts"`
}

// wgStaleThresholdSec marks a central's tunnel as stale in the fleet totals
// regardless of its per-central policy.
const wgStaleThresholdSec = 300

// BuildOverview flattens per-central state into fleet totals and a sorted
// alert list.
func BuildOverview(nodes []Node, now time.Time) Overview {
	ov := Overview{TsGenerated: db.FormatTS(now), Alerts: []FlatAlert{}}
	ov.Totals.Centrals = len(nodes)

	for _, node := range nodes {
		switch node.Health.Severity {
		case severity.Good:
			ov.Totals.Good++
		case severity.Warn:
			ov.Totals.Warn++
		case severity.Bad:
			ov.Totals.Bad++
		}

		if node.Health.AlertsTotal > 0 {
			ov.Totals.WithAlerts++
		}
		ov.Totals.AlertsTotal += node.Health.AlertsTotal
		ov.Totals.AlertsAllTotal += node.Health.AlertsAllTotal
		ov.Totals.AlertsSilenced += node.Health.AlertsSilenced

		if node.Queue.PendingBatches > 0 {
			ov.Totals.CentralsWithPending++
			ov.Totals.PendingBatchesTotal += node.Queue.PendingBatches
		}
		if node.Queue.WGHandshakeAgeSec != nil && *node.Queue.WGHandshakeAgeSec >= wgStaleThresholdSec {
			ov.Totals.CentralsWGStale++
		}

		for _, a := range node.Alerts {
			ov.Alerts = append(ov.Alerts, FlatAlert{
				Severity:      a.Severity,
				Code:          a.Code,
				Message:       a.Message,
				CentralID:     node.CentralID,
				VehicleID:     node.VehicleID,
				AgeSec:        node.AgeSec,
				TsReceived:    node.TsReceived,
				Silenced:      a.Silenced,
				SilencedUntil: a.SilencedUntil,
				AckedAt:       a.AckedAt,
				AckedBy:       a.AckedBy,
			})
		}
	}

	sortAlertsWorstFirst(ov.Alerts)

	if ov.Totals.Centrals > 0 {
		ratio := float64(ov.Totals.Good) / float64(ov.Totals.Centrals) * 100
		ov.Totals.HealthyRatio = float64(int(ratio*10+0.5)) / 10
	}
	return ov
}
