package db

import (
	"database/sql"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// InsertReply records an accepted reply before injection.
func InsertReply(conn *sql.DB, reply types.Reply) error {
	_, err := conn.Exec(`
		INSERT INTO replies (reply_id, prompt_id, session_id, raw_value, normalized,
			source, responder, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, reply.ReplyID, reply.PromptID, reply.SessionID, reply.RawValue, reply.Normalized,
		string(reply.Source), nullIfEmpty(reply.Responder), reply.ReceivedAt)
	return err
}

// MarkReplyInjected stamps the injection time on a reply.
func MarkReplyInjected(conn *sql.DB, replyID string, now int64) error {
	_, err := conn.Exec(`
		UPDATE replies SET injected_at = ? WHERE reply_id = ?
	`, now, replyID)
	return err
}

// RepliesForPrompt returns all replies recorded for a prompt, oldest first.
func RepliesForPrompt(conn *sql.DB, promptID string) ([]types.Reply, error) {
	rows, err := conn.Query(`
		SELECT reply_id, prompt_id, session_id, raw_value, normalized, source,
			responder, received_at, injected_at
		FROM replies WHERE prompt_id = ? ORDER BY received_at
	`, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []types.Reply
	for rows.Next() {
		var r types.Reply
		var responder sql.NullString
		if err := rows.Scan(&r.ReplyID, &r.PromptID, &r.SessionID, &r.RawValue,
			&r.Normalized, &r.Source, &responder, &r.ReceivedAt, &r.InjectedAt); err != nil {
			return nil, err
		}
		if responder.Valid {
			r.Responder = responder.String
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}
