package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// TraceFileName is the live decision trace inside the state directory.
const TraceFileName = "autopilot_decisions.jsonl"

const (
	defaultTraceMaxBytes = 10 << 20
	defaultTraceArchives = 3
	dedupWindow          = 1024
)

// Trace appends policy decisions as JSONL, rotated by size with a bounded
// number of archives. Entries sharing an idempotency key are written once.
type Trace struct {
	mu       sync.Mutex
	path     string
	logger   *slog.Logger
	maxBytes int64
	keep     int
	seen     map[string]bool
	order    []string
	clock    func() time.Time
}

type traceEntry struct {
	TS             string   `json:"ts"`
	SessionID      string   `json:"session_id"`
	PromptID       string   `json:"prompt_id"`
	Policy         string   `json:"policy"`
	PolicyHash     string   `json:"policy_hash"`
	Mode           string   `json:"mode"`
	Rule           string   `json:"rule,omitempty"`
	Action         string   `json:"action"`
	Value          string   `json:"value,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
	Explain        []string `json:"explain,omitempty"`
}

// NewTrace creates a trace writer rooted in the state directory.
func NewTrace(dir string, logger *slog.Logger) *Trace {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trace{
		path:     filepath.Join(dir, TraceFileName),
		logger:   logger.With("component", "decision-trace"),
		maxBytes: defaultTraceMaxBytes,
		keep:     defaultTraceArchives,
		seen:     make(map[string]bool, dedupWindow),
		clock:    time.Now,
	}
}

// SetMaxBytes overrides the rotation threshold.
func (t *Trace) SetMaxBytes(n int64) {
	t.mu.Lock()
	t.maxBytes = n
	t.mu.Unlock()
}

// Append writes one decision. A key already written inside the dedup
// window is skipped silently.
func (t *Trace) Append(p *Policy, in Input, d Decision) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seen[d.IdempotencyKey] {
		return nil
	}

	entry := traceEntry{
		TS:             t.clock().UTC().Format(time.RFC3339Nano),
		SessionID:      in.SessionID,
		PromptID:       in.Event.PromptID,
		Policy:         p.Name,
		PolicyHash:     p.Hash(),
		Mode:           string(p.Mode),
		Rule:           d.MatchedRule,
		Action:         string(d.Action),
		Value:          d.Value,
		IdempotencyKey: d.IdempotencyKey,
		Explain:        d.Explain,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := t.rotateIfNeeded(); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	t.remember(d.IdempotencyKey)
	return nil
}

func (t *Trace) remember(key string) {
	if len(t.order) == dedupWindow {
		delete(t.seen, t.order[0])
		t.order = t.order[1:]
	}
	t.seen[key] = true
	t.order = append(t.order, key)
}

// rotateIfNeeded moves an oversized live trace aside and prunes archives
// beyond the keep count, oldest first.
func (t *Trace) rotateIfNeeded() error {
	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < t.maxBytes {
		return nil
	}

	stamp := t.clock().UTC().Format("20060102T150405.000000000")
	rotated := filepath.Join(filepath.Dir(t.path), fmt.Sprintf("autopilot_decisions-%s.jsonl", stamp))
	if err := os.Rename(t.path, rotated); err != nil {
		return err
	}
	t.logger.Info("rotated decision trace", "segment", rotated)

	archives, err := filepath.Glob(filepath.Join(filepath.Dir(t.path), "autopilot_decisions-*.jsonl"))
	if err != nil {
		return err
	}
	sort.Strings(archives)
	for len(archives) > t.keep {
		if err := os.Remove(archives[0]); err != nil {
			return err
		}
		archives = archives[1:]
	}
	return nil
}
