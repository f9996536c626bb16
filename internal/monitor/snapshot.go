// Package monitor composes the operational snapshot: fleet health, incident
// pressure, notification outcomes and operator activity rolled into one
// state verdict.
package monitor

import (
	"database/sql"
	"sort"
	"time"

	"fleetmon/internal/audit"
	"fleetmon/internal/db"
	"fleetmon/internal/fleet"
	"fleetmon/internal/incident"
	"fleetmon/internal/notify"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

// FleetSource provides the classified per-central state.
type FleetSource interface {
	CurrentNodes(now time.Time) ([]fleet.Node, error)
}

// IncidentSource provides the incident table aggregates.
type IncidentSource interface {
	Totals(now time.Time) (incident.Totals, error)
	Active(now time.Time) ([]incident.Incident, error)
}

// NotificationSource provides delivery outcome counts within a window.
type NotificationSource interface {
	CountsSince(since string) (map[string]int, error)
}

// ActivitySource provides operator and access activity within a window.
type ActivitySource interface {
	ActionsSince(since string) (int, error)
	ForbiddenSince(since string) (int, error)
}

// PolicySource provides the effective monitor policy and its overrides.
type PolicySource interface {
	Policy() (policy.MonitorPolicy, error)
	Overrides() (map[string]*policy.Override, error)
}

// Sources bundles everything a snapshot reads. Each dependency is an
// interface so the aggregator can be tested without a database.
type Sources struct {
	Fleet         FleetSource
	Incidents     IncidentSource
	Notifications NotificationSource
	Activity      ActivitySource
	Policy        PolicySource
}

// Deliveries is the notification outcome tally within the window.
type Deliveries struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// AttentionItem is one central that needs operator attention, with the
// evidence for why it made the list.
type AttentionItem struct {
	CentralID       string         `json:"central_id"`
	VehicleID       string         `json:"vehicle_id"`
	Severity        severity.Level `json:"severity"`
	HeartbeatAgeSec int            `json:"heartbeat_age_sec"`
	PendingBatches  int            `json:"pending_batches"`
	Reasons         []string       `json:"reasons"`
	IncidentsOpen   int            `json:"incidents_open"`
	IncidentsBad    int            `json:"incidents_bad"`
	IncidentsWarn   int            `json:"incidents_warn"`
	SLABreached     int            `json:"sla_breached"`
	PolicySource    string         `json:"policy_source"`
}

// Snapshot is the composed operational state for one window.
type Snapshot struct {
	TsGenerated    string               `json:"ts_generated"`
	Window         string               `json:"window"`
	WindowSec      int                  `json:"window_sec"`
	State          severity.Level       `json:"state"`
	StateMessage   string               `json:"state_message"`
	Policy         policy.MonitorPolicy `json:"policy"`
	OverridesTotal int                  `json:"monitor_policy_overrides_total"`
	Fleet          fleet.Totals         `json:"fleet"`
	Alerts         []fleet.FlatAlert    `json:"alerts"`
	AlertsTotal    int                  `json:"alerts_total"`
	Incidents      incident.Totals      `json:"incidents"`
	Notifications  Deliveries           `json:"notifications"`
	ActionsTotal   int                  `json:"actions_total"`
	ForbiddenTotal int                  `json:"forbidden_total"`
	Attention      []AttentionItem      `json:"attention"`
}

var windows = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// ParseWindow resolves a window label, defaulting to 24h for anything
// unknown.
func ParseWindow(raw string) (string, time.Duration) {
	if d, ok := windows[raw]; ok {
		return raw, d
	}
	return "24h", 24 * time.Hour
}

const (
	maxAttentionReasons = 3
	maxSnapshotAlerts   = 50
)

// Build assembles the snapshot for one window against the given sources.
func Build(src Sources, window string, attentionLimit int, now time.Time) (Snapshot, error) {
	label, dur := ParseWindow(window)
	since := db.FormatTS(now.Add(-dur))

	snap := Snapshot{
		TsGenerated: db.FormatTS(now),
		Window:      label,
		WindowSec:   int(dur.Seconds()),
	}

	pol, err := src.Policy.Policy()
	if err != nil {
		return snap, err
	}
	snap.Policy = pol
	overrides, err := src.Policy.Overrides()
	if err != nil {
		return snap, err
	}
	snap.OverridesTotal = len(overrides)

	nodes, err := src.Fleet.CurrentNodes(now)
	if err != nil {
		return snap, err
	}
	overview := fleet.BuildOverview(nodes, now)
	snap.Fleet = overview.Totals
	snap.Alerts, snap.AlertsTotal = activeAlerts(overview.Alerts)

	snap.Incidents, err = src.Incidents.Totals(now)
	if err != nil {
		return snap, err
	}
	active, err := src.Incidents.Active(now)
	if err != nil {
		return snap, err
	}

	counts, err := src.Notifications.CountsSince(since)
	if err != nil {
		return snap, err
	}
	snap.Notifications = Deliveries{
		Sent:    counts[notify.StatusSent],
		Failed:  counts[notify.StatusFailed],
		Skipped: counts[notify.StatusSkipped],
	}

	snap.ActionsTotal, err = src.Activity.ActionsSince(since)
	if err != nil {
		return snap, err
	}
	snap.ForbiddenTotal, err = src.Activity.ForbiddenSince(since)
	if err != nil {
		return snap, err
	}

	snap.Attention = buildAttention(nodes, active, overrides, attentionLimit)
	snap.State, snap.StateMessage = rollUp(snap)
	return snap, nil
}

// activeAlerts keeps the non-silenced alerts, bounded, and reports the
// untruncated count.
func activeAlerts(flat []fleet.FlatAlert) ([]fleet.FlatAlert, int) {
	out := make([]fleet.FlatAlert, 0, len(flat))
	for _, a := range flat {
		if !a.Silenced {
			out = append(out, a)
		}
	}
	total := len(out)
	if len(out) > maxSnapshotAlerts {
		out = out[:maxSnapshotAlerts]
	}
	return out, total
}

type incidentCounts struct {
	open, bad, warn, breached int
}

func buildAttention(nodes []fleet.Node, active []incident.Incident, overrides map[string]*policy.Override, limit int) []AttentionItem {
	perCentral := make(map[string]incidentCounts)
	for _, inc := range active {
		c := perCentral[inc.CentralID]
		if inc.Status == incident.StatusOpen {
			c.open++
		}
		switch inc.Severity {
		case severity.Bad:
			c.bad++
		case severity.Warn:
			c.warn++
		}
		if inc.SLABreached {
			c.breached++
		}
		perCentral[inc.CentralID] = c
	}

	items := make([]AttentionItem, 0)
	for _, node := range nodes {
		counts := perCentral[node.CentralID]
		reasons := topReasons(node.Alerts)

		if node.Health.Severity == severity.Good && len(reasons) == 0 &&
			counts.open == 0 && counts.breached == 0 {
			continue
		}

		source := "global"
		if overrides[node.CentralID] != nil {
			source = "override"
		}

		items = append(items, AttentionItem{
			CentralID:       node.CentralID,
			VehicleID:       node.VehicleID,
			Severity:        node.Health.Severity,
			HeartbeatAgeSec: node.AgeSec,
			PendingBatches:  node.Queue.PendingBatches,
			Reasons:         reasons,
			IncidentsOpen:   counts.open,
			IncidentsBad:    counts.bad,
			IncidentsWarn:   counts.warn,
			SLABreached:     counts.breached,
			PolicySource:    source,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Severity != b.Severity {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.IncidentsBad != b.IncidentsBad {
			return a.IncidentsBad > b.IncidentsBad
		}
		if a.SLABreached != b.SLABreached {
			return a.SLABreached > b.SLABreached
		}
		if a.PendingBatches != b.PendingBatches {
			return a.PendingBatches > b.PendingBatches
		}
		if a.HeartbeatAgeSec != b.HeartbeatAgeSec {
			return a.HeartbeatAgeSec > b.HeartbeatAgeSec
		}
		return a.CentralID < b.CentralID
	})

	if bounded := boundAttention(limit); len(items) > bounded {
		items = items[:bounded]
	}
	return items
}

// topReasons picks the worst few active alerts as human-readable evidence.
func topReasons(alerts []fleet.Alert) []string {
	actives := make([]fleet.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.Active() {
			actives = append(actives, a)
		}
	}
	sort.SliceStable(actives, func(i, j int) bool {
		return actives[i].Severity.Rank() > actives[j].Severity.Rank()
	})
	if len(actives) > maxAttentionReasons {
		actives = actives[:maxAttentionReasons]
	}
	reasons := make([]string, 0, len(actives))
	for _, a := range actives {
		if a.Message != "" {
			reasons = append(reasons, a.Code+": "+a.Message)
		} else {
			reasons = append(reasons, a.Code)
		}
	}
	return reasons
}

func rollUp(snap Snapshot) (severity.Level, string) {
	attentionBad := false
	for _, item := range snap.Attention {
		if item.Severity == severity.Bad {
			attentionBad = true
			break
		}
	}

	switch {
	case snap.Fleet.Bad > 0 || snap.Incidents.SLABreached > 0 || snap.Incidents.Bad > 0 || attentionBad:
		return severity.Bad, "degraded fleet state"
	case snap.Fleet.Warn > 0 || snap.Fleet.PendingBatchesTotal > 0 || snap.Fleet.CentralsWGStale > 0 ||
		snap.Notifications.Failed > 0 || snap.ForbiddenTotal > 0 || len(snap.Attention) > 0:
		return severity.Warn, "attention required"
	default:
		return severity.Good, "fleet healthy"
	}
}

func boundAttention(limit int) int {
	if limit < 1 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// Store is the database-backed implementation of every snapshot source.
type Store struct {
	DB *sql.DB
}

func (s *Store) CurrentNodes(now time.Time) ([]fleet.Node, error) {
	pol, err := policy.Load(s.DB)
	if err != nil {
		return nil, err
	}
	overrides, err := policy.ListOverrides(s.DB, 1000)
	if err != nil {
		return nil, err
	}
	return fleet.BuildNodes(s.DB, pol, fleet.OverridesByCentral(overrides), now)
}

func (s *Store) Totals(now time.Time) (incident.Totals, error) {
	pol, err := policy.Load(s.DB)
	if err != nil {
		return incident.Totals{}, err
	}
	return incident.ComputeTotals(s.DB, pol, now)
}

func (s *Store) Active(now time.Time) ([]incident.Incident, error) {
	pol, err := policy.Load(s.DB)
	if err != nil {
		return nil, err
	}
	return incident.List(s.DB, pol, incident.Filter{Limit: 1000}, now)
}

func (s *Store) CountsSince(since string) (map[string]int, error) {
	return notify.CountByStatusSince(s.DB, since)
}

func (s *Store) ActionsSince(since string) (int, error) {
	return incident.CountActionsSince(s.DB, since)
}

func (s *Store) ForbiddenSince(since string) (int, error) {
	return audit.CountForbidden(s.DB, since)
}

func (s *Store) Policy() (policy.MonitorPolicy, error) {
	return policy.Load(s.DB)
}

func (s *Store) Overrides() (map[string]*policy.Override, error) {
	overrides, err := policy.ListOverrides(s.DB, 1000)
	if err != nil {
		return nil, err
	}
	return fleet.OverridesByCentral(overrides), nil
}

// DBSources wires every snapshot source to one database store.
func DBSources(conn *sql.DB) Sources {
	store := &Store{DB: conn}
	return Sources{
		Fleet:         store,
		Incidents:     store,
		Notifications: store,
		Activity:      store,
		Policy:        store,
	}
}
