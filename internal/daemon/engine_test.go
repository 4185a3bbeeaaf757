package daemon

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/config"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig enables only the desktop channel, which needs no
// credentials and no network.
func testConfig(dir string) *config.Config {
	cfg := &config.Config{StateDir: dir}
	cfg.Database.Path = filepath.Join(dir, "atlasbridge.db")
	cfg.Desktop.Enabled = true
	cfg.Prompts.TimeoutSeconds = 300
	cfg.Prompts.YesNoSafeDefault = "n"
	cfg.Prompts.MaxBufferBytes = 4096
	cfg.Prompts.StuckTimeoutSeconds = 2
	cfg.Prompts.EchoSuppressMS = 500
	cfg.Prompts.FreeTextMaxLength = 200
	cfg.Logging.Level = "info"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	RegisterBuiltinChannels()
	e, err := New(cfg, Options{}, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewEngineRequiresChannel(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Desktop.Enabled = false
	RegisterBuiltinChannels()

	_, err := New(cfg, Options{}, testLogger())
	if err == nil {
		t.Fatal("expected failure without any channel")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %q, want config", types.KindOf(err))
	}

	// The failed construction must not leave the state dir locked.
	cfg.Desktop.Enabled = true
	e := newTestEngine(t, cfg)
	_ = e
}

func TestEngineRefusesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	newTestEngine(t, testConfig(dir))

	_, err := New(testConfig(dir), Options{}, testLogger())
	if err == nil {
		t.Fatal("second engine over the same state dir should fail")
	}
	if types.KindOf(err) != types.KindEnvironment {
		t.Fatalf("kind = %q, want environment", types.KindOf(err))
	}
}

func TestEngineLoadsPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, `
policy_version: "1"
name: team-policy
autonomy_mode: full
rules:
  - id: allow-yes
    match:
      prompt_type: [yes_no]
    action: auto_reply
    value: "y"
`)

	cfg := testConfig(dir)
	RegisterBuiltinChannels()
	e, err := New(cfg, Options{PolicyFile: policyPath}, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if got := e.Policy().Current().Name; got != "team-policy" {
		t.Fatalf("loaded policy = %q, want team-policy", got)
	}
}

func TestEngineRejectsBrokenPolicyFile(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, "autonomy_mode: warp\n")

	RegisterBuiltinChannels()
	_, err := New(testConfig(dir), Options{PolicyFile: policyPath}, testLogger())
	if err == nil {
		t.Fatal("expected a broken policy to fail construction")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %q, want config", types.KindOf(err))
	}
}

func TestEnginePicksUpPausedState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.SetRuntimeState(conn, db.RuntimeKeyAutopilot, db.AutopilotPaused, time.Now().UnixMilli()); err != nil {
		t.Fatalf("set state: %v", err)
	}
	conn.Close()

	e := newTestEngine(t, cfg)
	if !e.Policy().Paused() {
		t.Fatal("engine should start paused when the store says so")
	}
}

func TestRecoverSettlesOrphans(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	sessionID := strings.Repeat("a", 32)
	promptID := strings.Repeat("b", 32)

	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.CreateSession(conn, types.Session{
		SessionID: sessionID,
		Tool:      "claude",
		Cwd:       "/work",
		PID:       1 << 30,
		Status:    types.SessionRunning,
		StartedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	now := time.Now()
	err = db.InsertPrompt(conn, types.PromptEvent{
		PromptID:       promptID,
		SessionID:      sessionID,
		Type:           types.PromptYesNo,
		Confidence:     types.ConfidenceHigh,
		Excerpt:        "Proceed? (y/n)",
		Nonce:          strings.Repeat("c", 32),
		SafeDefault:    "n",
		IdempotencyKey: "orphan-key",
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      now.Add(5 * time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("insert prompt: %v", err)
	}
	if _, err := db.MarkRouted(conn, promptID); err != nil {
		t.Fatalf("mark routed: %v", err)
	}
	if _, err := db.MarkAwaitingReply(conn, promptID, "desktop", ""); err != nil {
		t.Fatalf("mark awaiting: %v", err)
	}
	conn.Close()

	e := newTestEngine(t, cfg)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess, err := db.GetSession(e.Store(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != types.SessionCrashed {
		t.Fatalf("orphaned session status = %q, want crashed", sess.Status)
	}

	p, err := db.GetPrompt(e.Store(), promptID)
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if p.Status != types.StatusFailed {
		t.Fatalf("orphaned prompt status = %q, want failed", p.Status)
	}

	var restarts int
	if err := e.Store().QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE event = ?`, types.EventDaemonRestarted,
	).Scan(&restarts); err != nil {
		t.Fatalf("count restarts: %v", err)
	}
	if restarts != 1 {
		t.Fatalf("daemon_restarted events = %d, want 1", restarts)
	}
}

func TestStartSessionSupervisesChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty backend on windows")
	}
	dir := t.TempDir()
	e := newTestEngine(t, testConfig(dir))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s, err := e.StartSession(context.Background(), SessionOptions{Tool: "cat"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	if s.Meta.PID <= 0 {
		t.Fatalf("pid = %d", s.Meta.PID)
	}

	stored, err := db.GetSession(e.Store(), s.Meta.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Status != types.SessionRunning {
		t.Fatalf("status = %q, want running", stored.Status)
	}

	// cat idles forever; Wait must respect the context.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.Wait(ctx); err == nil {
		t.Fatal("wait should time out while the child lives")
	}

	s.Shutdown()

	stored, err = db.GetSession(e.Store(), s.Meta.SessionID)
	if err != nil {
		t.Fatalf("get session after shutdown: %v", err)
	}
	if stored.Status != types.SessionCrashed {
		t.Fatalf("status after kill = %q, want crashed", stored.Status)
	}

	var started, ended int
	if err := e.Store().QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE event = ? AND session_id = ?`,
		types.EventSessionStarted, s.Meta.SessionID,
	).Scan(&started); err != nil {
		t.Fatalf("count: %v", err)
	}
	if err := e.Store().QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE event = ? AND session_id = ?`,
		types.EventSessionEnded, s.Meta.SessionID,
	).Scan(&ended); err != nil {
		t.Fatalf("count: %v", err)
	}
	if started != 1 || ended != 1 {
		t.Fatalf("audit session events = %d started, %d ended; want 1 and 1", started, ended)
	}
}

func TestStartSessionUnknownBinary(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, testConfig(dir))

	_, err := e.StartSession(context.Background(), SessionOptions{Tool: "no-such-tool-zzz"})
	if err == nil {
		t.Fatal("expected an unresolvable binary to fail")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
