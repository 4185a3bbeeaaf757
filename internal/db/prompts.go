package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/atlasbridge/atlasbridge/internal/lifecycle"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

const promptCols = `prompt_id, session_id, type, confidence, excerpt, choices,
	max_length, allowed_choices, nonce, nonce_used, safe_default, status,
	idempotency_key, channel, channel_msg_id, responder, created_at, expires_at, decided_at`

// InsertPrompt inserts a detected prompt in status created. A prompt whose
// idempotency key already exists is not inserted and ErrDuplicatePrompt is
// returned; the caller treats this as an ordinary dedup outcome.
func InsertPrompt(conn *sql.DB, p types.PromptEvent) error {
	if p.Status == "" {
		p.Status = types.StatusCreated
	}

	choicesJSON, err := marshalNullable(p.Choices)
	if err != nil {
		return err
	}
	allowedJSON, err := marshalNullable(p.AllowedChoices)
	if err != nil {
		return err
	}

	res, err := conn.Exec(`
		INSERT INTO prompts (prompt_id, session_id, type, confidence, excerpt, choices,
			max_length, allowed_choices, nonce, nonce_used, safe_default, status,
			idempotency_key, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, p.PromptID, p.SessionID, string(p.Type), string(p.Confidence), p.Excerpt, choicesJSON,
		zeroToNull(p.MaxLength), allowedJSON, p.Nonce, nullIfEmpty(p.SafeDefault),
		string(p.Status), p.IdempotencyKey, p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrDuplicatePrompt
	}
	return nil
}

// MarkRouted transitions created -> routed. Returns affected row count.
func MarkRouted(conn *sql.DB, promptID string) (int64, error) {
	res, err := conn.Exec(`
		UPDATE prompts SET status = 'routed'
		WHERE prompt_id = ? AND status = 'created'
	`, promptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkAwaitingReply transitions routed -> awaiting_reply and records where
// the prompt was delivered.
func MarkAwaitingReply(conn *sql.DB, promptID, channel, channelMsgID string) (int64, error) {
	res, err := conn.Exec(`
		UPDATE prompts SET status = 'awaiting_reply', channel = ?, channel_msg_id = ?
		WHERE prompt_id = ? AND status = 'routed'
	`, channel, channelMsgID, promptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateChannelMessage records a re-delivered or edited channel message.
func UpdateChannelMessage(conn *sql.DB, promptID, channel, channelMsgID string) error {
	_, err := conn.Exec(`
		UPDATE prompts SET channel = ?, channel_msg_id = ?
		WHERE prompt_id = ?
	`, channel, channelMsgID, promptID)
	return err
}

// DecidePrompt is the single atomic decision point for a pending prompt.
// The update succeeds only when the nonce matches and is unused, the prompt
// is still pending, and the TTL has not passed; the row count tells the
// caller whether this decision won. newStatus must be a legal decide target.
func DecidePrompt(conn *sql.DB, promptID, sessionID, nonce string, newStatus types.PromptStatus, responder string, now int64) (int64, error) {
	if !lifecycle.ValidDecideTarget(newStatus) {
		return 0, fmt.Errorf("status %s is not a decide target", newStatus)
	}
	res, err := conn.Exec(`
		UPDATE prompts
		SET status = ?, responder = ?, decided_at = ?, nonce_used = 1
		WHERE prompt_id = ? AND session_id = ? AND nonce = ? AND nonce_used = 0
			AND status IN ('routed', 'awaiting_reply') AND expires_at > ?
	`, string(newStatus), responder, now, promptID, sessionID, nonce, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkInjected transitions reply_received -> injected.
func MarkInjected(conn *sql.DB, promptID string) (int64, error) {
	res, err := conn.Exec(`
		UPDATE prompts SET status = 'injected'
		WHERE prompt_id = ? AND status = 'reply_received'
	`, promptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkResolved settles a prompt after injection (injected -> resolved) or
// after a safe-default injection (expired -> resolved).
func MarkResolved(conn *sql.DB, promptID string) (int64, error) {
	res, err := conn.Exec(`
		UPDATE prompts SET status = 'resolved'
		WHERE prompt_id = ? AND status IN ('injected', 'expired')
	`, promptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkFailed moves a non-terminal prompt to failed.
func MarkFailed(conn *sql.DB, promptID string, now int64) (int64, error) {
	res, err := conn.Exec(`
		UPDATE prompts SET status = 'failed', decided_at = ?
		WHERE prompt_id = ? AND status IN ('created', 'routed', 'awaiting_reply', 'reply_received')
	`, now, promptID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireStale sweeps pending prompts whose TTL has passed. Each row is
// flipped with its own guarded update so a concurrent reply that wins the
// race keeps the prompt. Returns the prompts actually expired.
func ExpireStale(conn *sql.DB, now int64) ([]types.PromptEvent, error) {
	rows, err := conn.Query(`
		SELECT `+promptCols+` FROM prompts
		WHERE status IN ('routed', 'awaiting_reply') AND expires_at <= ?
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	candidates, err := collectPrompts(rows)
	if err != nil {
		return nil, err
	}

	var expired []types.PromptEvent
	for _, p := range candidates {
		res, err := conn.Exec(`
			UPDATE prompts SET status = 'expired', decided_at = ?
			WHERE prompt_id = ? AND status IN ('routed', 'awaiting_reply') AND expires_at <= ?
		`, now, p.PromptID, now)
		if err != nil {
			return expired, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return expired, err
		}
		if n == 1 {
			p.Status = types.StatusExpired
			p.DecidedAt = &now
			expired = append(expired, p)
		}
	}
	return expired, nil
}

// ReloadPending returns prompts still awaiting a decision with unexpired
// TTLs, oldest first. Used on restart to re-notify.
func ReloadPending(conn *sql.DB, now int64) ([]types.PromptEvent, error) {
	rows, err := conn.Query(`
		SELECT `+promptCols+` FROM prompts
		WHERE status IN ('routed', 'awaiting_reply') AND expires_at > ?
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collectPrompts(rows)
}

// PendingBySession returns the pending prompts of one session, oldest first.
func PendingBySession(conn *sql.DB, sessionID string) ([]types.PromptEvent, error) {
	rows, err := conn.Query(`
		SELECT `+promptCols+` FROM prompts
		WHERE session_id = ? AND status IN ('created', 'routed', 'awaiting_reply', 'reply_received')
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectPrompts(rows)
}

// PendingFreeText returns all awaiting free_text prompts across sessions,
// used to disambiguate bare text replies.
func PendingFreeText(conn *sql.DB, now int64) ([]types.PromptEvent, error) {
	rows, err := conn.Query(`
		SELECT `+promptCols+` FROM prompts
		WHERE type = 'free_text' AND status = 'awaiting_reply' AND expires_at > ?
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collectPrompts(rows)
}

// GetPrompt fetches a prompt by full ID. Returns (nil, nil) when absent.
func GetPrompt(conn *sql.DB, promptID string) (*types.PromptEvent, error) {
	row := conn.QueryRow(`SELECT `+promptCols+` FROM prompts WHERE prompt_id = ?`, promptID)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPromptByChannelMsg resolves a channel message id to the prompt it
// delivered. Returns (nil, nil) when no prompt was sent as that message.
func GetPromptByChannelMsg(conn *sql.DB, channel, channelMsgID string) (*types.PromptEvent, error) {
	row := conn.QueryRow(`
		SELECT `+promptCols+` FROM prompts
		WHERE channel = ? AND channel_msg_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, channel, channelMsgID)
	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SettledPromptCount counts the session's prompts that reached a settled
// status. The count feeds the idempotency key so that re-detections of a
// still-pending prompt dedup while a genuine repeat of the same question
// later in the session does not.
func SettledPromptCount(conn *sql.DB, sessionID string) (int, error) {
	var n int
	err := conn.QueryRow(`
		SELECT COUNT(*) FROM prompts
		WHERE session_id = ? AND status IN ('resolved', 'expired', 'canceled', 'failed')
	`, sessionID).Scan(&n)
	return n, err
}

// GetPromptByShortID resolves the 8-character callback prefix to a prompt.
// Ambiguous prefixes return an error; absent ones return (nil, nil).
func GetPromptByShortID(conn *sql.DB, shortID string) (*types.PromptEvent, error) {
	rows, err := conn.Query(`
		SELECT `+promptCols+` FROM prompts
		WHERE prompt_id LIKE ? || '%' LIMIT 2
	`, shortID)
	if err != nil {
		return nil, err
	}
	matches, err := collectPrompts(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("short prompt id %q is ambiguous", shortID)
	}
}

func scanPrompt(r rowScanner) (*types.PromptEvent, error) {
	var row types.PromptRow
	var nonceUsed int
	err := r.Scan(&row.PromptID, &row.SessionID, &row.Type, &row.Confidence, &row.Excerpt,
		&row.Choices, &row.MaxLength, &row.AllowedChoices, &row.Nonce, &nonceUsed,
		&row.SafeDefault, &row.Status, &row.IdempotencyKey, &row.Channel, &row.ChannelMsgID,
		&row.Responder, &row.CreatedAt, &row.ExpiresAt, &row.DecidedAt)
	if err != nil {
		return nil, err
	}
	row.NonceUsed = nonceUsed != 0

	p := types.PromptEvent{
		PromptID:       row.PromptID,
		SessionID:      row.SessionID,
		Type:           row.Type,
		Confidence:     row.Confidence,
		Excerpt:        row.Excerpt,
		Nonce:          row.Nonce,
		NonceUsed:      row.NonceUsed,
		Status:         row.Status,
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      row.CreatedAt,
		ExpiresAt:      row.ExpiresAt,
		DecidedAt:      row.DecidedAt,
	}
	if row.MaxLength != nil {
		p.MaxLength = *row.MaxLength
	}
	if row.SafeDefault != nil {
		p.SafeDefault = *row.SafeDefault
	}
	if row.Channel != nil {
		p.Channel = *row.Channel
	}
	if row.ChannelMsgID != nil {
		p.ChannelMsgID = *row.ChannelMsgID
	}
	if row.Responder != nil {
		p.Responder = *row.Responder
	}
	if row.Choices != nil && *row.Choices != "" {
		if err := json.Unmarshal([]byte(*row.Choices), &p.Choices); err != nil {
			return nil, err
		}
	}
	if row.AllowedChoices != nil && *row.AllowedChoices != "" {
		if err := json.Unmarshal([]byte(*row.AllowedChoices), &p.AllowedChoices); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func collectPrompts(rows *sql.Rows) ([]types.PromptEvent, error) {
	defer rows.Close()
	var prompts []types.PromptEvent
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, *p)
	}
	return prompts, rows.Err()
}

func marshalNullable[T any](v []T) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func zeroToNull(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
