package command

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// seedAuditLog writes a small valid chain into dir.
func seedAuditLog(t *testing.T, dir string) string {
	t.Helper()
	conn, err := db.OpenInDir(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	path := filepath.Join(dir, audit.LogFileName)
	w, err := audit.NewWriter(conn, path, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	events := []string{
		types.EventSessionStarted,
		types.EventPromptDetected,
		types.EventPromptRouted,
		types.EventSessionEnded,
	}
	for i, ev := range events {
		if err := w.Append(ev, "s1", "", map[string]any{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return path
}

func TestAuditVerifyCleanChain(t *testing.T) {
	dir := t.TempDir()
	seedAuditLog(t, dir)

	output, err := executeCommand(NewRootCmd("test"), "audit", "verify", "--state-dir", dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(output, "OK: 4 records") {
		t.Fatalf("expected a clean verification, got %q", output)
	}
}

func TestAuditVerifyEmptyStateDir(t *testing.T) {
	dir := t.TempDir()

	output, err := executeCommand(NewRootCmd("test"), "audit", "verify", "--state-dir", dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(output, "OK: 0 records") {
		t.Fatalf("expected an empty chain to verify, got %q", output)
	}
}

func TestAuditVerifyDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := seedAuditLog(t, dir)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines[2] = strings.Replace(lines[2], `"i":2`, `"i":99`, 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	output, err := executeCommand(NewRootCmd("test"), "audit", "verify", path)
	if err == nil {
		t.Fatal("expected verification to fail")
	}
	if types.KindOf(err) != types.KindIntegrity {
		t.Fatalf("kind = %v, want integrity", types.KindOf(err))
	}
	if !strings.Contains(output, "BROKEN at seq 3") {
		t.Fatalf("expected the broken seq to be reported, got %q", output)
	}
}
