package command

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

const testPolicy = `
policy_version: "1"
name: team-policy
autonomy_mode: full
rules:
  - id: allow-yes
    match:
      prompt_type: [yes_no]
      contains: "Continue"
    action: auto_reply
    value: "y"
defaults:
  no_match: require_human
`

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, path, testPolicy)
	return path
}

func TestPolicyValidateReportsHash(t *testing.T) {
	path := writePolicy(t)

	output, err := executeCommand(NewRootCmd("test"), "policy", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(output, "team-policy") {
		t.Fatalf("expected policy name, got %q", output)
	}
	if !strings.Contains(output, "sha256:") {
		t.Fatalf("expected content hash, got %q", output)
	}
}

func TestPolicyValidateMissingFile(t *testing.T) {
	_, err := executeCommand(NewRootCmd("test"), "policy", "validate", "/nonexistent/policy.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %v, want config", types.KindOf(err))
	}
	if ExitCode(err) != 2 {
		t.Fatalf("exit code = %d, want 2", ExitCode(err))
	}
}

func TestPolicyValidateRejectsBadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "policy_version: \"1\"\nname: broken\nautonomy_mode: warp\n")

	_, err := executeCommand(NewRootCmd("test"), "policy", "validate", path)
	if err == nil {
		t.Fatal("expected an error for a bad autonomy mode")
	}
	if types.KindOf(err) != types.KindConfig {
		t.Fatalf("kind = %v, want config", types.KindOf(err))
	}
}

func TestPolicyTestMatchesRule(t *testing.T) {
	path := writePolicy(t)

	output, err := executeCommand(NewRootCmd("test"), "policy", "test", path,
		"--prompt", "Continue with deploy? [y/n]", "--type", "yes_no", "--confidence", "high")
	if err != nil {
		t.Fatalf("policy test: %v", err)
	}
	if !strings.Contains(output, "auto_reply") {
		t.Fatalf("expected auto_reply action, got %q", output)
	}
	if !strings.Contains(output, "allow-yes") {
		t.Fatalf("expected matched rule id, got %q", output)
	}
}

func TestPolicyTestFallsBackToDefault(t *testing.T) {
	path := writePolicy(t)

	output, err := executeCommand(NewRootCmd("test"), "policy", "test", path,
		"--prompt", "Pick an option", "--type", "multiple_choice", "--confidence", "medium")
	if err != nil {
		t.Fatalf("policy test: %v", err)
	}
	if !strings.Contains(output, "escalate") {
		t.Fatalf("expected escalate, got %q", output)
	}
}

func TestPolicyTestExplainTrace(t *testing.T) {
	path := writePolicy(t)

	output, err := executeCommand(NewRootCmd("test"), "policy", "test", path,
		"--prompt", "rm -rf /?", "--type", "yes_no", "--confidence", "high", "--explain", "--json")
	if err != nil {
		t.Fatalf("policy test: %v", err)
	}
	var got struct {
		Action  string   `json:"action"`
		Explain []string `json:"explain"`
	}
	if err := json.Unmarshal([]byte(output), &got); err != nil {
		t.Fatalf("parse output %q: %v", output, err)
	}
	if got.Action != "escalate" {
		t.Fatalf("action = %q, want escalate", got.Action)
	}
	if len(got.Explain) == 0 {
		t.Fatal("expected a non-empty explain trace")
	}
}

func TestPolicyTestRejectsBadInputs(t *testing.T) {
	path := writePolicy(t)

	_, err := executeCommand(NewRootCmd("test"), "policy", "test", path,
		"--prompt", "x", "--type", "riddle", "--confidence", "high")
	if err == nil || types.KindOf(err) != types.KindConfig {
		t.Fatalf("expected a config error for a bad type, got %v", err)
	}

	_, err = executeCommand(NewRootCmd("test"), "policy", "test", path,
		"--prompt", "x", "--type", "yes_no", "--confidence", "sure")
	if err == nil || types.KindOf(err) != types.KindConfig {
		t.Fatalf("expected a config error for a bad confidence, got %v", err)
	}
}

func TestPolicyTestUsesConfiguredFile(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	writeFile(t, policyPath, testPolicy)
	writeFile(t, filepath.Join(dir, "config.yaml"),
		"autopilot:\n  policy_file: "+policyPath+"\n")

	output, err := executeCommand(NewRootCmd("test"), "policy", "test", "--state-dir", dir,
		"--prompt", "Continue?", "--type", "yes_no", "--confidence", "high")
	if err != nil {
		t.Fatalf("policy test: %v", err)
	}
	if !strings.Contains(output, "allow-yes") {
		t.Fatalf("expected the configured policy to apply, got %q", output)
	}
}

func TestPolicyTestNoFileAnywhere(t *testing.T) {
	dir := t.TempDir()

	_, err := executeCommand(NewRootCmd("test"), "policy", "test", "--state-dir", dir,
		"--prompt", "Continue?", "--type", "yes_no", "--confidence", "high")
	if err == nil || types.KindOf(err) != types.KindConfig {
		t.Fatalf("expected a config error with no policy file, got %v", err)
	}
}
