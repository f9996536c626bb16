package settings

import (
	"database/sql"
	"fmt"
	"time"
)

// InitSettingsTable creates the settings table and populates defaults
func InitSettingsTable(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		value_type TEXT DEFAULT 'string',
		description TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(category, key)
	);

	CREATE INDEX IF NOT EXISTS idx_settings_category ON settings(category);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	insertSQL := `
	INSERT OR IGNORE INTO settings (category, key, value, value_type, description)
	VALUES (?, ?, ?, ?, ?)
	`

	for _, setting := range DefaultSettings {
		if _, err := db.Exec(insertSQL,
			setting.Category,
			setting.Key,
			setting.Value,
			setting.ValueType,
			setting.Description,
		); err != nil {
			return fmt.Errorf("failed to insert default setting %s.%s: %w",
				setting.Category, setting.Key, err)
		}
	}

	return nil
}

// GetCategoryMap returns all settings in a category as a key -> raw value map.
// Resolution and clamping of values is the caller's concern.
func GetCategoryMap(db *sql.DB, category string) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM settings WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings for category %s: %w", category, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		result[key] = value
	}
	return result, rows.Err()
}

// GetSetting retrieves a specific setting by category and key
func GetSetting(db *sql.DB, category, key string) (*Setting, error) {
	query := `
	SELECT id, category, key, value, value_type, COALESCE(description, ''), updated_at
	FROM settings
	WHERE category = ? AND key = ?
	`

	var s Setting
	var updatedAt string
	err := db.QueryRow(query, category, key).Scan(
		&s.ID, &s.Category, &s.Key, &s.Value, &s.ValueType, &s.Description, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s.%s: %w", category, key, err)
	}
	s.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return &s, nil
}

// UpdateSetting updates the value of a specific setting
func UpdateSetting(db *sql.DB, category, key, value string) error {
	existing, err := GetSetting(db, category, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("setting %s.%s not found", category, key)
	}

	if err := validateSettingValue(existing.ValueType, value); err != nil {
		return fmt.Errorf("invalid value for %s.%s: %w", category, key, err)
	}

	query := `
	UPDATE settings
	SET value = ?, updated_at = CURRENT_TIMESTAMP
	WHERE category = ? AND key = ?
	`

	if _, err := db.Exec(query, value, category, key); err != nil {
		return fmt.Errorf("failed to update setting %s.%s: %w", category, key, err)
	}
	return nil
}

// UpdateCategory applies a batch of raw key -> value updates in one
// transaction so that a partial policy update never lands half-applied.
func UpdateCategory(db *sql.DB, category string, updates map[string]string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin settings update: %w", err)
	}
	defer tx.Rollback()

	for key, value := range updates {
		res, err := tx.Exec(`
			UPDATE settings
			SET value = ?, updated_at = CURRENT_TIMESTAMP
			WHERE category = ? AND key = ?`, value, category, key)
		if err != nil {
			return fmt.Errorf("failed to update setting %s.%s: %w", category, key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("setting %s.%s not found", category, key)
		}
	}
	return tx.Commit()
}
