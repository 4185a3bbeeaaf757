package command

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func executeCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRootCommandVersion(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd, "--version")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(output, "atlasbridge version test") {
		t.Fatalf("expected version output, got %q", output)
	}
}

func TestRootCommandHelp(t *testing.T) {
	cmd := NewRootCmd("test")

	output, err := executeCommand(cmd)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.Contains(output, "AtlasBridge") {
		t.Fatalf("expected help output, got %q", output)
	}
	for _, sub := range []string{"run", "pause", "resume", "policy", "audit", "version"} {
		if !strings.Contains(output, sub) {
			t.Fatalf("help output missing %q:\n%s", sub, output)
		}
	}
}

func TestVersionSubcommand(t *testing.T) {
	output, err := executeCommand(NewRootCmd("1.2.3"), "version")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(output, "atlasbridge 1.2.3") {
		t.Fatalf("expected version line, got %q", output)
	}
}

func TestVersionSubcommandJSON(t *testing.T) {
	output, err := executeCommand(NewRootCmd("1.2.3"), "version", "--json")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(output, `"version":"1.2.3"`) {
		t.Fatalf("expected JSON version, got %q", output)
	}
}
