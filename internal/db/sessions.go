package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// CreateSession inserts a new session row.
func CreateSession(conn *sql.DB, session types.Session) (types.Session, error) {
	if session.Status == "" {
		session.Status = types.SessionRunning
	}
	if session.StartedAt == 0 {
		session.StartedAt = time.Now().UnixMilli()
	}

	tagsJSON := "[]"
	if len(session.Tags) > 0 {
		b, err := json.Marshal(session.Tags)
		if err != nil {
			return types.Session{}, err
		}
		tagsJSON = string(b)
	}

	_, err := conn.Exec(`
		INSERT INTO sessions (session_id, tool, cwd, label, tags, pid, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, session.SessionID, session.Tool, session.Cwd, nullIfEmpty(session.Label), tagsJSON,
		session.PID, string(session.Status), session.StartedAt)
	if err != nil {
		return types.Session{}, err
	}
	return session, nil
}

// GetSession fetches a session by ID. Returns (nil, nil) when absent.
func GetSession(conn *sql.DB, sessionID string) (*types.Session, error) {
	row := conn.QueryRow(`
		SELECT session_id, tool, cwd, label, tags, pid, status, started_at, ended_at, exit_code
		FROM sessions WHERE session_id = ?
	`, sessionID)
	return scanSession(row)
}

// ListSessions returns sessions newest-first, optionally filtered by status.
func ListSessions(conn *sql.DB, status types.SessionStatus) ([]types.Session, error) {
	query := `
		SELECT session_id, tool, cwd, label, tags, pid, status, started_at, ended_at, exit_code
		FROM sessions`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY started_at DESC"

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// EndSession marks a session ended (or crashed) with its exit code.
func EndSession(conn *sql.DB, sessionID string, status types.SessionStatus, exitCode int, now int64) error {
	_, err := conn.Exec(`
		UPDATE sessions SET status = ?, ended_at = ?, exit_code = ?
		WHERE session_id = ? AND status = 'running'
	`, string(status), now, exitCode, sessionID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*types.Session, error) {
	var row types.SessionRow
	err := r.Scan(&row.SessionID, &row.Tool, &row.Cwd, &row.Label, &row.Tags,
		&row.PID, &row.Status, &row.StartedAt, &row.EndedAt, &row.ExitCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s := types.Session{
		SessionID: row.SessionID,
		Tool:      row.Tool,
		Cwd:       row.Cwd,
		PID:       row.PID,
		Status:    row.Status,
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		ExitCode:  row.ExitCode,
	}
	if row.Label != nil {
		s.Label = *row.Label
	}
	if row.Tags != nil && *row.Tags != "" && *row.Tags != "[]" {
		if err := json.Unmarshal([]byte(*row.Tags), &s.Tags); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
