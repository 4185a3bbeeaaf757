package db

import (
	"database/sql"
)

// Runtime state keys.
const (
	RuntimeKeyAutopilot = "autopilot"

	// AutopilotPaused forces the effective autonomy mode to off.
	AutopilotPaused = "paused"
	// AutopilotActive lets the loaded policy's autonomy mode apply.
	AutopilotActive = "active"
)

// SetRuntimeState upserts a control key.
func SetRuntimeState(conn *sql.DB, key, value string, now int64) error {
	_, err := conn.Exec(`
		INSERT INTO runtime_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	return err
}

// GetRuntimeState reads a control key. Missing keys return "".
func GetRuntimeState(conn *sql.DB, key string) (string, error) {
	var value string
	err := conn.QueryRow(`SELECT value FROM runtime_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// AutopilotPausedState reports whether autopilot has been paused via the CLI.
func AutopilotPausedState(conn *sql.DB) (bool, error) {
	v, err := GetRuntimeState(conn, RuntimeKeyAutopilot)
	if err != nil {
		return false, err
	}
	return v == AutopilotPaused, nil
}
