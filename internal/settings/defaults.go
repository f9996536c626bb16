package settings

import (
	"fmt"
	"strconv"
)

// DefaultSettings defines the default configuration values
var DefaultSettings = []Setting{
	// Monitor policy thresholds
	{Category: CategoryMonitor, Key: "warn_heartbeat_age_sec", Value: "120", ValueType: "int", Description: "Heartbeat age warning threshold in seconds"},
	{Category: CategoryMonitor, Key: "bad_heartbeat_age_sec", Value: "600", ValueType: "int", Description: "Heartbeat age bad threshold in seconds"},
	{Category: CategoryMonitor, Key: "warn_pending_batches", Value: "1", ValueType: "int", Description: "Pending upload batches warning threshold"},
	{Category: CategoryMonitor, Key: "bad_pending_batches", Value: "50", ValueType: "int", Description: "Pending upload batches bad threshold"},
	{Category: CategoryMonitor, Key: "warn_wg_age_sec", Value: "300", ValueType: "int", Description: "WireGuard handshake age warning threshold in seconds"},
	{Category: CategoryMonitor, Key: "bad_wg_age_sec", Value: "1200", ValueType: "int", Description: "WireGuard handshake age bad threshold in seconds"},

	// SLA targets per incident severity (0 disables the SLA)
	{Category: CategoryMonitor, Key: "sla_bad_target_sec", Value: "900", ValueType: "int", Description: "Resolution target for bad incidents in seconds"},
	{Category: CategoryMonitor, Key: "sla_warn_target_sec", Value: "3600", ValueType: "int", Description: "Resolution target for warn incidents in seconds"},

	// Automated fleet-health notifications
	{Category: CategoryMonitor, Key: "auto_enabled", Value: "false", ValueType: "bool", Description: "Enable automated fleet health notifications"},
	{Category: CategoryMonitor, Key: "auto_notify_recovery", Value: "true", ValueType: "bool", Description: "Notify when fleet health recovers"},
	{Category: CategoryMonitor, Key: "auto_min_interval_sec", Value: "900", ValueType: "int", Description: "Minimum seconds between repeated fleet health notifications"},
	{Category: CategoryMonitor, Key: "auto_min_severity", Value: "bad", ValueType: "string", Description: "Minimum fleet severity that triggers auto notification"},
	{Category: CategoryMonitor, Key: "auto_channel", Value: "auto", ValueType: "string", Description: "Channel mode for fleet health notifications"},
	{Category: CategoryMonitor, Key: "auto_window", Value: "24h", ValueType: "string", Description: "Snapshot window for fleet health notifications"},

	// Notification dispatch policy
	{Category: CategoryNotifications, Key: "notify_telegram", Value: "true", ValueType: "bool", Description: "Dispatch incident notifications via Telegram"},
	{Category: CategoryNotifications, Key: "notify_email", Value: "false", ValueType: "bool", Description: "Dispatch incident notifications via email"},
	{Category: CategoryNotifications, Key: "mute_until", Value: "", ValueType: "string", Description: "Suppress all notifications until this UTC timestamp"},
	{Category: CategoryNotifications, Key: "rate_limit_sec", Value: "300", ValueType: "int", Description: "Minimum seconds between notifications for the same incident"},
	{Category: CategoryNotifications, Key: "escalation_sec", Value: "1800", ValueType: "int", Description: "Seconds after which an open incident may re-notify despite the rate limit"},
	{Category: CategoryNotifications, Key: "min_severity", Value: "bad", ValueType: "string", Description: "Minimum alert severity that triggers a notification"},
	{Category: CategoryNotifications, Key: "stale_always_notify", Value: "true", ValueType: "bool", Description: "Always notify for stale-type alerts regardless of min severity"},
}

// validateSettingValue validates a value against its expected type
func validateSettingValue(valueType, value string) error {
	switch valueType {
	case "int":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("value must be an integer")
		}
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("value must be 'true' or 'false'")
		}
	}
	return nil
}
