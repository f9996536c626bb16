package fleet

import "fleetmon/internal/severity"

// QueueStats carries the store-and-forward counters a central reports with
// every heartbeat. WGHandshakeAgeSec is nil when the agent could not read
// the handshake age.
type QueueStats struct {
	EventsTotal       int  `json:"events_total"`
	PendingBatches    int  `json:"pending_batches"`
	SentBatches       int  `json:"sent_batches"`
	WGHandshakeAgeSec *int `json:"wg_latest_handshake_age_sec"`
}

// DeclaredAlert is an alert the central itself reports inside a heartbeat.
// Severity strings outside {good,warn,bad} are coerced to bad.
type DeclaredAlert struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// IngestPayload is the heartbeat body posted by a central's agent.
type IngestPayload struct {
	CentralID string          `json:"central_id"`
	VehicleID string          `json:"vehicle_id"`
	TsSent    string          `json:"ts_sent"`
	Queue     QueueStats      `json:"queue"`
	Alerts    []DeclaredAlert `json:"alerts"`
}

// Heartbeat is a stored heartbeat row, either the latest per central or a
// history entry.
type Heartbeat struct {
	CentralID  string          `json:"central_id"`
	VehicleID  string          `json:"vehicle_id"`
	TsSent     string          `json:"ts_sent,omitempty"`
	TsReceived string          `json:"ts_received"`
	Queue      QueueStats      `json:"queue"`
	Declared   []DeclaredAlert `json:"-"`
}

// Alert is one classified alert for a central, annotated with persisted
// operator state.
type Alert struct {
	Code          string         `json:"code"`
	Severity      severity.Level `json:"severity"`
	Message       string         `json:"message"`
	Silenced      bool           `json:"silenced"`
	SilencedUntil string         `json:"silenced_until,omitempty"`
	SilencedBy    string         `json:"silenced_by,omitempty"`
	AckedAt       string         `json:"acked_at,omitempty"`
	AckedBy       string         `json:"acked_by,omitempty"`
}

// Active reports whether the alert should count toward health and incident
// reconciliation.
func (a Alert) Active() bool { return !a.Silenced }

// Health is the per-central roll-up over active alerts.
type Health struct {
	Severity       severity.Level `json:"severity"`
	AlertsTotal    int            `json:"alerts_total"`
	AlertsAllTotal int            `json:"alerts_all_total"`
	AlertsSilenced int            `json:"alerts_silenced"`
	AlertsWarn     int            `json:"alerts_warn"`
	AlertsBad      int            `json:"alerts_bad"`
}

// Node is one central's current state: latest heartbeat, classified alerts
// and the health roll-up.
type Node struct {
	CentralID    string     `json:"central_id"`
	VehicleID    string     `json:"vehicle_id"`
	TsSent       string     `json:"ts_sent,omitempty"`
	TsReceived   string     `json:"ts_received"`
	AgeSec       int        `json:"age_sec"`
	Queue        QueueStats `json:"queue"`
	PolicySource string     `json:"policy_source"`
	Alerts       []Alert    `json:"alerts"`
	Health       Health     `json:"health"`
}

// StateKey addresses persisted operator state for one alert.
type StateKey struct {
	CentralID string
	Code      string
}

// AlertState is the persisted ack/silence record for one (central, code).
type AlertState struct {
	AckedAt       string
	AckedBy       string
	AckNote       string
	SilencedUntil string
	SilencedBy    string
	SilenceNote   string
	Silenced      bool
}
