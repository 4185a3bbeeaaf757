// Package policy loads and evaluates the autopilot rule DSL. Evaluation
// is pure: the same event against the same policy document always yields
// the same decision and idempotency key, which is what makes the decision
// trace replayable.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// AutonomyMode gates how much a matched rule may do on its own.
type AutonomyMode string

const (
	ModeOff    AutonomyMode = "off"
	ModeAssist AutonomyMode = "assist"
	ModeFull   AutonomyMode = "full"
)

// ActionType names what a rule or decision does with a prompt. Rules use
// require_human; the corresponding decision outcome is escalate.
type ActionType string

const (
	ActionAutoReply    ActionType = "auto_reply"
	ActionRequireHuman ActionType = "require_human"
	ActionDeny         ActionType = "deny"
	ActionNotifyOnly   ActionType = "notify_only"
	ActionEscalate     ActionType = "escalate"
)

// Policy is a compiled rule document. The yaml tags define the canonical
// serialisation used for the content hash.
type Policy struct {
	Version  string       `yaml:"policy_version"`
	Name     string       `yaml:"name"`
	Mode     AutonomyMode `yaml:"autonomy_mode"`
	Extends  string       `yaml:"extends,omitempty"`
	Rules    []Rule       `yaml:"rules,omitempty"`
	Defaults Defaults     `yaml:"defaults,omitempty"`

	hash string
}

// Hash returns the content hash of the canonical document,
// "sha256:" + hex.
func (p *Policy) Hash() string { return p.hash }

// Rule is one ordered entry of the policy. auto_reply rules carry a value
// and optional constraints; the constraints are enforced at load.
type Rule struct {
	ID             string     `yaml:"id"`
	Match          Match      `yaml:"match,omitempty"`
	Action         ActionType `yaml:"action"`
	Value          string     `yaml:"value,omitempty"`
	Message        string     `yaml:"message,omitempty"`
	AllowedChoices []string   `yaml:"allowed_choices,omitempty"`
	NumericOnly    bool       `yaml:"numeric_only,omitempty"`
	MaxLength      int        `yaml:"max_length,omitempty"`
}

// Match is a conjunction of criteria. An empty Match matches everything,
// which makes catch-all rules possible.
type Match struct {
	ToolID        string   `yaml:"tool_id,omitempty"`
	Repo          string   `yaml:"repo,omitempty"`
	PromptType    []string `yaml:"prompt_type,omitempty"`
	Contains      string   `yaml:"contains,omitempty"`
	MinConfidence string   `yaml:"min_confidence,omitempty"`
	MaxConfidence string   `yaml:"max_confidence,omitempty"`
	SessionTag    string   `yaml:"session_tag,omitempty"`
	AnyOf         []Match  `yaml:"any_of,omitempty"`
	NoneOf        []Match  `yaml:"none_of,omitempty"`

	toolGlob   glob.Glob
	tagGlob    glob.Glob
	containsRe *regexp.Regexp // nil means literal containment
}

// Defaults name the fallback actions when no rule matches.
type Defaults struct {
	NoMatch       ActionType `yaml:"no_match,omitempty"`
	LowConfidence ActionType `yaml:"low_confidence,omitempty"`
}

// Input is everything a rule may match on for one prompt.
type Input struct {
	SessionID string
	ToolID    string
	Repo      string
	Tags      []string
	Event     types.PromptEvent
}

// Decision is the evaluator's verdict for one prompt.
type Decision struct {
	Action         ActionType
	Value          string
	Message        string
	MatchedRule    string
	Explain        []string
	IdempotencyKey string
}

// Eval runs in against p. Rules are tried in declared order and the first
// full match wins; the autonomy mode then gates what the matched action
// may do. Criteria evaluate in a fixed order so explain output is stable.
func Eval(p *Policy, in Input) Decision {
	var explain []string

	if p.Mode == ModeOff {
		explain = append(explain, "autonomy off: rules not consulted")
		d := defaultDecision(offDefault(p.Defaults.NoMatch, &explain))
		return finish(d, in, explain)
	}

	for i := range p.Rules {
		r := &p.Rules[i]
		if !r.Match.eval(in, &explain, "rule "+r.ID) {
			continue
		}
		explain = append(explain, "rule "+r.ID+" matched")
		d := r.apply(p.Mode, &explain)
		d.MatchedRule = r.ID
		return finish(d, in, explain)
	}

	def := p.Defaults.NoMatch
	if in.Event.Confidence == types.ConfidenceLow {
		def = p.Defaults.LowConfidence
		explain = append(explain, "no rule matched (low confidence): default "+string(def))
	} else {
		explain = append(explain, "no rule matched: default "+string(def))
	}
	return finish(defaultDecision(def), in, explain)
}

func finish(d Decision, in Input, explain []string) Decision {
	d.Explain = explain
	d.IdempotencyKey = idempotencyKey(in, d)
	return d
}

// offDefault keeps deny from acting automatically while autonomy is off.
func offDefault(def ActionType, explain *[]string) ActionType {
	if def == ActionDeny {
		*explain = append(*explain, "off mode: deny default downgraded to escalate")
		return ActionRequireHuman
	}
	return def
}

func defaultDecision(def ActionType) Decision {
	switch def {
	case ActionNotifyOnly:
		return Decision{Action: ActionNotifyOnly}
	case ActionDeny:
		return Decision{Action: ActionDeny, Message: "denied by policy default"}
	default:
		return Decision{Action: ActionEscalate}
	}
}

// apply maps the rule action onto a decision under the autonomy mode.
func (r *Rule) apply(mode AutonomyMode, explain *[]string) Decision {
	switch r.Action {
	case ActionAutoReply:
		if mode == ModeAssist {
			*explain = append(*explain, "assist mode: auto_reply downgraded to suggestion")
			return Decision{Action: ActionEscalate, Message: fmt.Sprintf("policy suggests replying %q", r.Value)}
		}
		return Decision{Action: ActionAutoReply, Value: r.Value}
	case ActionDeny:
		if mode == ModeAssist {
			*explain = append(*explain, "assist mode: deny downgraded to suggestion")
			msg := "policy suggests denying"
			if r.Message != "" {
				msg += ": " + r.Message
			}
			return Decision{Action: ActionEscalate, Message: msg}
		}
		return Decision{Action: ActionDeny, Message: r.Message}
	case ActionNotifyOnly:
		return Decision{Action: ActionNotifyOnly, Message: r.Message}
	default:
		return Decision{Action: ActionEscalate, Message: r.Message}
	}
}

// eval checks criteria in a fixed order and records the first failing
// criterion per rule in the explain trace.
func (m *Match) eval(in Input, explain *[]string, label string) bool {
	fail := func(criterion string) bool {
		*explain = append(*explain, label+": "+criterion+" did not match")
		return false
	}

	if m.ToolID != "" && !m.toolGlob.Match(in.ToolID) {
		return fail("tool_id")
	}
	if m.Repo != "" && !strings.HasPrefix(in.Repo, m.Repo) {
		return fail("repo")
	}
	if len(m.PromptType) > 0 && !containsString(m.PromptType, string(in.Event.Type)) {
		return fail("prompt_type")
	}
	if m.Contains != "" && !m.matchContains(in.Event.Excerpt) {
		return fail("contains")
	}
	if m.MinConfidence != "" && in.Event.Confidence.Rank() < types.Confidence(m.MinConfidence).Rank() {
		return fail("min_confidence")
	}
	if m.MaxConfidence != "" && in.Event.Confidence.Rank() > types.Confidence(m.MaxConfidence).Rank() {
		return fail("max_confidence")
	}
	if m.SessionTag != "" && !matchAnyTag(m.tagGlob, in.Tags) {
		return fail("session_tag")
	}
	if len(m.AnyOf) > 0 {
		matched := false
		for i := range m.AnyOf {
			var sub []string
			if m.AnyOf[i].eval(in, &sub, label) {
				matched = true
				break
			}
		}
		if !matched {
			return fail("any_of")
		}
	}
	for i := range m.NoneOf {
		var sub []string
		if m.NoneOf[i].eval(in, &sub, label) {
			return fail("none_of")
		}
	}
	return true
}

// matchContains runs the compiled criterion against the prompt excerpt.
// RE2 over a ≤400-byte excerpt keeps evaluation time bounded without a
// runtime deadline.
func (m *Match) matchContains(excerpt string) bool {
	if m.containsRe != nil {
		return m.containsRe.MatchString(excerpt)
	}
	return strings.Contains(excerpt, m.Contains)
}

func matchAnyTag(g glob.Glob, tags []string) bool {
	for _, tag := range tags {
		if g.Match(tag) {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// idempotencyKey hashes the decision tuple. Identical evaluations share a
// key, which dedups the decision trace and makes replay byte-identical.
func idempotencyKey(in Input, d Decision) string {
	tuple := strings.Join([]string{
		in.SessionID,
		in.Event.PromptID,
		d.MatchedRule,
		string(d.Action),
		d.Value,
	}, "\x1f")
	sum := sha256.Sum256([]byte(tuple))
	return hex.EncodeToString(sum[:])
}
