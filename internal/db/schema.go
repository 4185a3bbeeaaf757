package db

import "database/sql"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	tool TEXT NOT NULL,
	cwd TEXT NOT NULL DEFAULT '',
	label TEXT,
	tags TEXT,
	pid INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'running',
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	exit_code INTEGER
);

CREATE TABLE IF NOT EXISTS prompts (
	prompt_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	confidence TEXT NOT NULL,
	excerpt TEXT NOT NULL DEFAULT '',
	choices TEXT,
	max_length INTEGER,
	allowed_choices TEXT,
	nonce TEXT NOT NULL,
	nonce_used INTEGER NOT NULL DEFAULT 0,
	safe_default TEXT,
	status TEXT NOT NULL DEFAULT 'created',
	idempotency_key TEXT NOT NULL UNIQUE,
	channel TEXT,
	channel_msg_id TEXT,
	responder TEXT,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	decided_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_prompts_session_status ON prompts(session_id, status);
CREATE INDEX IF NOT EXISTS idx_prompts_status_expiry ON prompts(status, expires_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_prompts_one_awaiting
	ON prompts(session_id) WHERE status = 'awaiting_reply';

CREATE TABLE IF NOT EXISTS replies (
	reply_id TEXT PRIMARY KEY,
	prompt_id TEXT NOT NULL REFERENCES prompts(prompt_id) ON DELETE CASCADE,
	session_id TEXT NOT NULL,
	raw_value TEXT NOT NULL,
	normalized BLOB,
	source TEXT NOT NULL,
	responder TEXT,
	received_at INTEGER NOT NULL,
	injected_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_replies_prompt ON replies(prompt_id);

CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY,
	ts TEXT NOT NULL,
	event TEXT NOT NULL,
	session_id TEXT,
	prompt_id TEXT,
	payload TEXT,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	flushed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runtime_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

func ensureSchema(conn *sql.DB) error {
	_, err := conn.Exec(schemaSQL)
	return err
}
