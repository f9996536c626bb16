package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Heartbeat ingest
	HeartbeatReceived EventType = "heartbeat_received"

	// Incident lifecycle
	IncidentOpened    EventType = "incident_opened"
	IncidentEscalated EventType = "incident_escalated"
	IncidentResolved  EventType = "incident_resolved"
	IncidentAcked     EventType = "incident_acked"
	IncidentSilenced  EventType = "incident_silenced"

	// Notification outcomes
	NotificationSent   EventType = "notification_sent"
	NotificationFailed EventType = "notification_failed"

	// Fleet roll-up
	FleetStateChanged EventType = "fleet_state_changed"
)

// Event is the payload published through the bus and mirrored to
// connected WebSocket clients.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  string            `json:"severity,omitempty"`
	CentralID string            `json:"central_id,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
