package command

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

func TestRunRequiresChannel(t *testing.T) {
	dir := t.TempDir()

	_, err := executeCommand(NewRootCmd("test"), "run", "cat", "--state-dir", dir)
	if err == nil {
		t.Fatal("expected an error with no channel configured")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %v, want config", types.KindOf(err))
	}
	if ExitCode(err) != 2 {
		t.Fatalf("exit code = %d, want 2", ExitCode(err))
	}
}

func TestRunUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "desktop:\n  enabled: true\n")

	_, err := executeCommand(NewRootCmd("test"), "run", "no-such-binary-atlasbridge", "--state-dir", dir)
	if err == nil {
		t.Fatal("expected an error for an unresolvable tool")
	}
	if !strings.Contains(err.Error(), "no-such-binary-atlasbridge") {
		t.Fatalf("error should name the tool, got %v", err)
	}
}

func TestRunRequiresToolArgument(t *testing.T) {
	_, err := executeCommand(NewRootCmd("test"), "run")
	if err == nil {
		t.Fatal("expected a usage error without a tool argument")
	}
}
