package command

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/db"
)

func autopilotState(t *testing.T, dir string) string {
	t.Helper()
	conn, err := db.OpenInDir(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	v, err := db.GetRuntimeState(conn, db.RuntimeKeyAutopilot)
	if err != nil {
		t.Fatalf("read runtime state: %v", err)
	}
	return v
}

func TestPauseWritesSharedState(t *testing.T) {
	dir := t.TempDir()

	output, err := executeCommand(NewRootCmd("test"), "pause", "--state-dir", dir)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !strings.Contains(output, "paused") {
		t.Fatalf("expected pause confirmation, got %q", output)
	}
	if got := autopilotState(t, dir); got != db.AutopilotPaused {
		t.Fatalf("runtime state = %q, want %q", got, db.AutopilotPaused)
	}
}

func TestResumeReactivatesAutopilot(t *testing.T) {
	dir := t.TempDir()

	if _, err := executeCommand(NewRootCmd("test"), "pause", "--state-dir", dir); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := executeCommand(NewRootCmd("test"), "resume", "--state-dir", dir); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := autopilotState(t, dir); got != db.AutopilotActive {
		t.Fatalf("runtime state = %q, want %q", got, db.AutopilotActive)
	}
}

func TestPauseJSONOutput(t *testing.T) {
	dir := t.TempDir()

	output, err := executeCommand(NewRootCmd("test"), "pause", "--json", "--state-dir", dir)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("parse output %q: %v", output, err)
	}
	if got["autopilot"] != db.AutopilotPaused {
		t.Fatalf("autopilot = %q, want %q", got["autopilot"], db.AutopilotPaused)
	}
}
