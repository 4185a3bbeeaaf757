package db

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "atlasbridge.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func makeTestSession(t *testing.T, conn *sql.DB) types.Session {
	t.Helper()
	s := types.Session{
		SessionID: uuid.New().String(),
		Tool:      "claude",
		Cwd:       "/tmp/work",
		PID:       4242,
		StartedAt: time.Now().UnixMilli(),
	}
	created, err := CreateSession(conn, s)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return created
}

func makeTestPrompt(t *testing.T, conn *sql.DB, sessionID string, expiresAt int64) types.PromptEvent {
	t.Helper()
	p := types.PromptEvent{
		PromptID:       uuid.New().String(),
		SessionID:      sessionID,
		Type:           types.PromptYesNo,
		Confidence:     types.ConfidenceHigh,
		Excerpt:        "Apply these changes? (y/n)",
		Nonce:          uuid.New().String()[:32],
		SafeDefault:    "n\r",
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      time.Now().UnixMilli(),
		ExpiresAt:      expiresAt,
	}
	if err := InsertPrompt(conn, p); err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	return p
}

func routePrompt(t *testing.T, conn *sql.DB, promptID string) {
	t.Helper()
	n, err := MarkRouted(conn, promptID)
	if err != nil || n != 1 {
		t.Fatalf("mark routed: n=%d err=%v", n, err)
	}
	n, err = MarkAwaitingReply(conn, promptID, "telegram", "msg-1")
	if err != nil || n != 1 {
		t.Fatalf("mark awaiting: n=%d err=%v", n, err)
	}
}
