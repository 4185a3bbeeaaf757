// Package adapter carries per-tool knowledge: where a CLI tool lives and
// how to spawn it, which extra prompt patterns its UI emits, and how a
// human reply maps onto the bytes the tool expects on its tty.
package adapter

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Adapter is one tool's pack of spawn parameters, prompt patterns, and
// reply normalisations.
type Adapter struct {
	name       string
	binary     string
	searchDirs []string // checked after PATH; relative entries join HOME
	baseArgs   []string
	extraEnv   []string
	patterns   []detect.Pattern
	values     map[string]string // lower-cased reply value -> tty bytes
}

// Name returns the tool identifier.
func (a *Adapter) Name() string { return a.name }

// Patterns returns tool-specific prompt patterns. The detector appends
// them to its built-in tables.
func (a *Adapter) Patterns() []detect.Pattern { return a.patterns }

// SpawnArgv resolves the tool binary and builds the argument vector for
// the pty backend.
func (a *Adapter) SpawnArgv(args []string) ([]string, error) {
	path, err := a.resolveBinary()
	if err != nil {
		return nil, types.NewError(types.KindEnvironment, err)
	}
	argv := append([]string{path}, a.baseArgs...)
	return append(argv, args...), nil
}

// Env returns the child environment: the parent's plus tool extras.
func (a *Adapter) Env() []string {
	if len(a.extraEnv) == 0 {
		return os.Environ()
	}
	return append(os.Environ(), a.extraEnv...)
}

// resolveBinary finds the tool executable, trying PATH first and then
// common install locations.
func (a *Adapter) resolveBinary() (string, error) {
	if path, err := exec.LookPath(a.binary); err == nil {
		return path, nil
	}

	home, homeErr := os.UserHomeDir()
	for _, dir := range a.searchDirs {
		if !filepath.IsAbs(dir) {
			if homeErr != nil {
				continue
			}
			dir = filepath.Join(home, dir)
		}
		p := filepath.Join(dir, a.binary)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s executable not found in PATH or common locations", a.binary)
}

// NormalizeReply maps a raw reply value onto the bytes written to the
// tool's tty. The tool's value map wins; generic per-type rules apply
// otherwise.
func (a *Adapter) NormalizeReply(pt types.PromptType, value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if mapped, ok := a.values[strings.ToLower(v)]; ok {
		return []byte(mapped), nil
	}

	switch pt {
	case types.PromptYesNo:
		switch strings.ToLower(v) {
		case "y", "yes":
			return []byte("y\r"), nil
		case "n", "no":
			return []byte("n\r"), nil
		}
		return nil, fmt.Errorf("reply %q is not a yes/no answer", value)

	case types.PromptConfirmEnter:
		return []byte("\r"), nil

	case types.PromptMultipleChoice:
		if len(v) == 1 && v[0] >= '1' && v[0] <= '9' {
			return []byte(v + "\r"), nil
		}
		return nil, fmt.Errorf("reply %q is not a choice key", value)

	case types.PromptFreeText:
		return []byte(v + "\r"), nil

	default:
		// Ambiguity affordances on unknown prompts send a bare Enter.
		if v == "" || strings.EqualFold(v, "enter") {
			return []byte("\r"), nil
		}
		return []byte(v + "\r"), nil
	}
}

// SafeDefault returns the bytes injected when a prompt of type pt expires
// unanswered. Only yes_no has one: a hard "n". No other type has a
// universally safe answer, so those expire without injection.
func (a *Adapter) SafeDefault(pt types.PromptType) ([]byte, bool) {
	if pt == types.PromptYesNo {
		return []byte("n\r"), true
	}
	return nil, false
}

// Get returns the adapter for name. Tools without a dedicated pack get a
// generic one: binary named after the tool, built-in patterns only,
// default normalisations.
func Get(name string) *Adapter {
	switch name {
	case "claude":
		return claudeAdapter()
	case "codex":
		return codexAdapter()
	case "opencode":
		return opencodeAdapter()
	default:
		return genericAdapter(name)
	}
}

// Known reports whether name has a dedicated pack.
func Known(name string) bool {
	switch name {
	case "claude", "codex", "opencode":
		return true
	}
	return false
}

// Names lists the tools with dedicated packs.
func Names() []string {
	return []string{"claude", "codex", "opencode"}
}

func genericAdapter(name string) *Adapter {
	return &Adapter{
		name:       name,
		binary:     name,
		searchDirs: commonBinDirs(),
	}
}

func commonBinDirs() []string {
	return []string{
		filepath.Join(".local", "bin"),
		"bin",
		"/opt/homebrew/bin",
		"/usr/local/bin",
	}
}
