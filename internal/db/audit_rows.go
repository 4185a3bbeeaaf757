package db

import (
	"database/sql"
	"encoding/json"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// AuditChainHead returns the seq and hash of the newest audit row. An empty
// ledger returns (0, "genesis") so the first record chains from the anchor.
func AuditChainHead(conn *sql.DB) (int64, string, error) {
	var seq int64
	var hash string
	err := conn.QueryRow(`
		SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "genesis", nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}

// InsertAuditRow stores a fully hashed audit event. The writer is the only
// caller and serialises appends, so seq assignment happens there.
func InsertAuditRow(conn *sql.DB, ev types.AuditEvent, flushed bool) error {
	payloadJSON := sql.NullString{}
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}
	f := 0
	if flushed {
		f = 1
	}
	_, err := conn.Exec(`
		INSERT INTO audit_events (seq, ts, event, session_id, prompt_id, payload, prev_hash, hash, flushed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Seq, ev.TS, ev.Event, nullIfEmpty(ev.SessionID), nullIfEmpty(ev.PromptID),
		payloadJSON, ev.PrevHash, ev.Hash, f)
	return err
}

// UnflushedAuditRows returns rows not yet appended to the JSONL log, in
// chain order.
func UnflushedAuditRows(conn *sql.DB, limit int) ([]types.AuditEvent, error) {
	rows, err := conn.Query(`
		SELECT seq, ts, event, session_id, prompt_id, payload, prev_hash, hash
		FROM audit_events WHERE flushed = 0 ORDER BY seq LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.AuditEvent
	for rows.Next() {
		ev, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkAuditFlushed records that rows up to and including seq reached the log.
func MarkAuditFlushed(conn *sql.DB, seq int64) error {
	_, err := conn.Exec(`UPDATE audit_events SET flushed = 1 WHERE seq <= ?`, seq)
	return err
}

func scanAuditEvent(rows *sql.Rows) (types.AuditEvent, error) {
	var ev types.AuditEvent
	var sessionID, promptID, payload sql.NullString
	if err := rows.Scan(&ev.Seq, &ev.TS, &ev.Event, &sessionID, &promptID,
		&payload, &ev.PrevHash, &ev.Hash); err != nil {
		return ev, err
	}
	if sessionID.Valid {
		ev.SessionID = sessionID.String
	}
	if promptID.Valid {
		ev.PromptID = promptID.String
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return ev, err
		}
	}
	return ev, nil
}
