package config

import (
	"os"
	"strings"
)

// Config holds the server configuration loaded from the environment.
type Config struct {
	Port   string
	DBPath string

	// API keys per capability level. A key listed under a higher level
	// implies the lower ones (read < operate < admin).
	ReadKeys    []string
	OperateKeys []string
	AdminKeys   []string
	AgentKeys   []string

	// Shoutrrr destination URLs per notification channel. An empty URL
	// means the channel is not configured and dispatch records "skipped".
	TelegramURL string
	EmailURL    string
}

// Load returns the server configuration from environment variables
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "9080"),
		DBPath:      getEnv("DB_PATH", "fleetmon.db"),
		ReadKeys:    splitKeys(getEnv("API_KEYS_READ", "")),
		OperateKeys: splitKeys(getEnv("API_KEYS_OPERATE", "")),
		AdminKeys:   splitKeys(getEnv("API_KEYS_ADMIN", "")),
		AgentKeys:   splitKeys(getEnv("API_KEYS_AGENT", "")),
		TelegramURL: getEnv("ALERT_TELEGRAM_URL", ""),
		EmailURL:    getEnv("ALERT_EMAIL_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
