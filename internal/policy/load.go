package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Load reads and compiles the policy document at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.KindConfig, fmt.Errorf("read policy: %w", err))
	}
	return Parse(data)
}

// Parse compiles a policy document: strict decode, schema validation,
// regex and glob compilation, auto_reply constraint validation, and
// content hashing. Every failure is a config error naming the offending
// field; a policy that fails any stage is never partially applied.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, types.NewError(types.KindConfig, fmt.Errorf("policy yaml: %w", err))
	}
	if err := p.compile(); err != nil {
		return nil, types.NewError(types.KindConfig, err)
	}

	canonical, err := yaml.Marshal(&p)
	if err != nil {
		return nil, types.NewError(types.KindConfig, fmt.Errorf("canonicalise policy: %w", err))
	}
	sum := sha256.Sum256(canonical)
	p.hash = "sha256:" + hex.EncodeToString(sum[:])
	return &p, nil
}

func (p *Policy) compile() error {
	if p.Extends != "" {
		return fmt.Errorf("extends is not supported; inline the parent policy")
	}
	switch p.Version {
	case "0", "1":
	default:
		return fmt.Errorf("policy_version must be %q or %q, got %q", "0", "1", p.Version)
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch p.Mode {
	case ModeOff, ModeAssist, ModeFull:
	case "":
		return fmt.Errorf("autonomy_mode is required (off, assist, or full)")
	default:
		return fmt.Errorf("autonomy_mode must be off, assist, or full, got %q", p.Mode)
	}

	if err := p.Defaults.compile(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if err := r.compile(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func (d *Defaults) compile() error {
	if d.NoMatch == "" {
		d.NoMatch = ActionRequireHuman
	}
	if d.LowConfidence == "" {
		d.LowConfidence = ActionRequireHuman
	}
	for field, v := range map[string]ActionType{
		"no_match":       d.NoMatch,
		"low_confidence": d.LowConfidence,
	} {
		switch v {
		case ActionRequireHuman, ActionNotifyOnly, ActionDeny:
		case ActionAutoReply:
			return fmt.Errorf("defaults.%s: auto_reply is not a permitted default", field)
		default:
			return fmt.Errorf("defaults.%s: unknown action %q", field, v)
		}
	}
	return nil
}

func (r *Rule) compile() error {
	switch r.Action {
	case ActionAutoReply, ActionRequireHuman, ActionDeny, ActionNotifyOnly:
	default:
		return fmt.Errorf("action must be auto_reply, require_human, deny, or notify_only, got %q", r.Action)
	}

	if r.Action == ActionAutoReply {
		if r.Value == "" {
			return fmt.Errorf("auto_reply requires a value")
		}
		if len(r.AllowedChoices) > 0 && !containsString(r.AllowedChoices, r.Value) {
			return fmt.Errorf("value %q is not in allowed_choices", r.Value)
		}
		if r.NumericOnly {
			if _, err := strconv.Atoi(r.Value); err != nil {
				return fmt.Errorf("numeric_only set but value %q is not an integer", r.Value)
			}
		}
		if r.MaxLength > 0 && len(r.Value) > r.MaxLength {
			return fmt.Errorf("value length %d exceeds max_length %d", len(r.Value), r.MaxLength)
		}
	} else if r.Value != "" {
		return fmt.Errorf("value is only valid on auto_reply rules")
	}

	return r.Match.compile()
}

func (m *Match) compile() error {
	if m.ToolID != "" {
		g, err := glob.Compile(m.ToolID)
		if err != nil {
			return fmt.Errorf("tool_id glob %q: %w", m.ToolID, err)
		}
		m.toolGlob = g
	}
	if m.SessionTag != "" {
		g, err := glob.Compile(m.SessionTag)
		if err != nil {
			return fmt.Errorf("session_tag glob %q: %w", m.SessionTag, err)
		}
		m.tagGlob = g
	}

	for _, pt := range m.PromptType {
		switch types.PromptType(pt) {
		case types.PromptYesNo, types.PromptConfirmEnter, types.PromptMultipleChoice,
			types.PromptFreeText, types.PromptUnknown:
		default:
			return fmt.Errorf("unknown prompt_type %q", pt)
		}
	}
	for field, c := range map[string]string{
		"min_confidence": m.MinConfidence,
		"max_confidence": m.MaxConfidence,
	} {
		if c == "" {
			continue
		}
		if types.Confidence(c).Rank() == 0 {
			return fmt.Errorf("%s must be low, medium, or high, got %q", field, c)
		}
	}

	if strings.HasPrefix(m.Contains, "re:") {
		expr := strings.TrimPrefix(m.Contains, "re:")
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("contains regex %q: %w", expr, err)
		}
		if re.MatchString("") {
			return fmt.Errorf("contains regex %q matches the empty string", expr)
		}
		m.containsRe = re
	}

	for i := range m.AnyOf {
		if err := m.AnyOf[i].compile(); err != nil {
			return fmt.Errorf("any_of[%d]: %w", i, err)
		}
	}
	for i := range m.NoneOf {
		if err := m.NoneOf[i].compile(); err != nil {
			return fmt.Errorf("none_of[%d]: %w", i, err)
		}
	}
	return nil
}
