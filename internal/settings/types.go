package settings

import "time"

// Setting represents a configuration setting in the database
type Setting struct {
	ID          int64     `json:"id"`
	Category    string    `json:"category"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	ValueType   string    `json:"value_type"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Categories used by the fleet backend.
const (
	CategoryMonitor       = "monitor"
	CategoryNotifications = "notifications"
)
