package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsApplyWithoutFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Prompts.TimeoutSeconds != 300 {
		t.Fatalf("timeout default = %d, want 300", cfg.Prompts.TimeoutSeconds)
	}
	if cfg.Prompts.YesNoSafeDefault != "n" {
		t.Fatalf("safe default = %q, want n", cfg.Prompts.YesNoSafeDefault)
	}
	if cfg.Prompts.MaxBufferBytes != 4096 {
		t.Fatalf("buffer default = %d, want 4096", cfg.Prompts.MaxBufferBytes)
	}
	if cfg.Prompts.StuckTimeoutSeconds != 2.0 {
		t.Fatalf("stuck default = %g, want 2.0", cfg.Prompts.StuckTimeoutSeconds)
	}
	if cfg.Prompts.EchoSuppressMS != 500 {
		t.Fatalf("echo default = %d, want 500", cfg.Prompts.EchoSuppressMS)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level default = %q, want info", cfg.Logging.Level)
	}
	if want := filepath.Join(dir, "atlasbridge.db"); cfg.Database.Path != want {
		t.Fatalf("database path = %q, want %q", cfg.Database.Path, want)
	}
	if cfg.StateDir != dir {
		t.Fatalf("state dir = %q, want %q", cfg.StateDir, dir)
	}
	if cfg.TelegramEnabled() || cfg.SlackEnabled() {
		t.Fatal("no channel should be enabled by default")
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
telegram:
  bot_token: "123:abc"
  chat_id: "42"
  allowed_users: ["111", "bob"]
prompts:
  timeout_seconds: 120
  free_text_max_length: 80
logging:
  level: debug
`)

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Prompts.TimeoutSeconds != 120 {
		t.Fatalf("timeout = %d, want 120", cfg.Prompts.TimeoutSeconds)
	}
	if cfg.Prompts.FreeTextMaxLength != 80 {
		t.Fatalf("free text limit = %d, want 80", cfg.Prompts.FreeTextMaxLength)
	}
	if !cfg.TelegramEnabled() {
		t.Fatal("telegram should be enabled")
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[1] != "bob" {
		t.Fatalf("allowed users = %v", cfg.Telegram.AllowedUsers)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", cfg.LogLevel())
	}
	// Keys the file omits keep their defaults.
	if cfg.Prompts.StuckTimeoutSeconds != 2.0 {
		t.Fatalf("stuck = %g, want default 2.0", cfg.Prompts.StuckTimeoutSeconds)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
prompts:
  timeout_seconds: 120
`)
	t.Setenv("ATLASBRIDGE_PROMPTS_TIMEOUT_SECONDS", "60")
	t.Setenv("ATLASBRIDGE_TELEGRAM_BOT_TOKEN", "999:zzz")

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Prompts.TimeoutSeconds != 60 {
		t.Fatalf("timeout = %d, want env override 60", cfg.Prompts.TimeoutSeconds)
	}
	if cfg.Telegram.BotToken != "999:zzz" {
		t.Fatalf("bot token = %q, want env value", cfg.Telegram.BotToken)
	}
}

func TestAllowedUsersFromEnvSplitOnComma(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATLASBRIDGE_TELEGRAM_ALLOWED_USERS", "111,bob")

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 {
		t.Fatalf("allowed users = %v, want two entries", cfg.Telegram.AllowedUsers)
	}
	if cfg.Telegram.AllowedUsers[0] != "111" || cfg.Telegram.AllowedUsers[1] != "bob" {
		t.Fatalf("allowed users = %v", cfg.Telegram.AllowedUsers)
	}
}

func TestExplicitFileMustExist(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"), dir)
	if err == nil {
		t.Fatal("expected error for missing explicit file")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %q, want config", types.KindOf(err))
	}
}

func TestExplicitFilePathIsUsed(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "alt.yaml")
	if err := os.WriteFile(other, []byte("prompts:\n  timeout_seconds: 45\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(other, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Prompts.TimeoutSeconds != 45 {
		t.Fatalf("timeout = %d, want 45 from explicit file", cfg.Prompts.TimeoutSeconds)
	}
}

func TestFrozenSafeDefaultRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "prompts:\n  yes_no_safe_default: \"y\"\n")

	_, err := Load("", dir)
	if err == nil {
		t.Fatal("expected rejection of overridden safe default")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %q, want config", types.KindOf(err))
	}
	if !strings.Contains(err.Error(), "frozen") {
		t.Fatalf("error should name the frozen key: %v", err)
	}
}

func TestFrozenBufferSizeRejected(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATLASBRIDGE_PROMPTS_MAX_BUFFER_BYTES", "8192")

	_, err := Load("", dir)
	if err == nil {
		t.Fatal("expected rejection of overridden buffer size")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %q, want config", types.KindOf(err))
	}
}

func TestBadValuesRejected(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero timeout", "prompts:\n  timeout_seconds: 0\n"},
		{"negative echo", "prompts:\n  echo_suppress_ms: -1\n"},
		{"zero stuck", "prompts:\n  stuck_timeout_seconds: 0\n"},
		{"bad level", "logging:\n  level: verbose\n"},
		{"zero free text", "prompts:\n  free_text_max_length: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.body)
			_, err := Load("", dir)
			if err == nil {
				t.Fatal("expected rejection")
			}
			if types.KindOf(err) != types.KindConfig {
				t.Fatalf("kind = %q, want config", types.KindOf(err))
			}
		})
	}
}

func TestSecretsRedacted(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
telegram:
  bot_token: "123:topsecret"
slack:
  bot_token: "xoxb-secret"
  app_token: "xapp-secret"
  channel_id: "C1"
`)

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	s := cfg.String()
	for _, secret := range []string{"topsecret", "xoxb-secret", "xapp-secret"} {
		if strings.Contains(s, secret) {
			t.Fatalf("String() leaked %q: %s", secret, s)
		}
	}
	if !strings.Contains(s, "[redacted]") {
		t.Fatalf("String() should mark redacted credentials: %s", s)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("loaded", "config", cfg)
	out := buf.String()
	for _, secret := range []string{"topsecret", "xoxb-secret", "xapp-secret"} {
		if strings.Contains(out, secret) {
			t.Fatalf("log output leaked %q: %s", secret, out)
		}
	}
}

func TestResolveStateDir(t *testing.T) {
	got, err := ResolveStateDir("/explicit/dir")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/explicit/dir" {
		t.Fatalf("flag value should win, got %q", got)
	}

	t.Setenv("ATLASBRIDGE_STATE_DIR", "/from/env")
	got, err = ResolveStateDir("")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/from/env" {
		t.Fatalf("env value should win over default, got %q", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
prompts:
  timeout_seconds: 10
  stuck_timeout_seconds: 1.5
  echo_suppress_ms: 250
`)

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TTL().Seconds() != 10 {
		t.Fatalf("TTL = %v", cfg.TTL())
	}
	if cfg.StuckTimeout().Milliseconds() != 1500 {
		t.Fatalf("stuck = %v", cfg.StuckTimeout())
	}
	if cfg.EchoWindow().Milliseconds() != 250 {
		t.Fatalf("echo = %v", cfg.EchoWindow())
	}
}
