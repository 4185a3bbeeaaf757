// Package detect classifies child output into prompt candidates. Three
// signal sources feed one combiner: pattern tables over stripped output, the
// supervisor's stall watchdog, and a TTY-blocked probe installed per
// platform (constant false where the platform has none). No single signal
// except a strong pattern match may produce a high-confidence candidate.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Signal names carried on candidates.
const (
	SignalPattern    = "pattern"
	SignalStall      = "stall"
	SignalTTYBlocked = "tty_blocked"
)

// DefaultBudget bounds one classification pass.
const DefaultBudget = 5 * time.Millisecond

const (
	tailWindow   = 12
	scanLines    = 6
	excerptLimit = 400
)

// Candidate is a classified, not yet persisted, prompt.
type Candidate struct {
	Type       types.PromptType
	Confidence types.Confidence
	Score      float64
	Excerpt    string
	Choices    []types.Choice
	Signals    []string
}

// Detector owns the rolling buffer and the pattern tables for one session.
// It is fed raw child output and consulted after writes (Scan) and by the
// stall watchdog (OnStall).
type Detector struct {
	mu         sync.Mutex
	buf        *Buffer
	stripper   Stripper
	patterns   []Pattern
	budget     time.Duration
	logger     *slog.Logger
	ttyBlocked func() bool
	lastKey    string
}

// New builds a detector with the default tables plus adapter-contributed
// patterns.
func New(logger *slog.Logger, extra []Pattern) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := append(defaultPatterns(), extra...)
	return &Detector{
		buf:        NewBuffer(),
		patterns:   patterns,
		budget:     DefaultBudget,
		logger:     logger.With("component", "detector"),
		ttyBlocked: func() bool { return false },
	}
}

// SetBudget overrides the per-call classification budget.
func (d *Detector) SetBudget(budget time.Duration) {
	d.mu.Lock()
	d.budget = budget
	d.mu.Unlock()
}

// SetTTYBlockedProbe installs a platform probe for the third signal source.
func (d *Detector) SetTTYBlockedProbe(probe func() bool) {
	d.mu.Lock()
	d.ttyBlocked = probe
	d.mu.Unlock()
}

// Write feeds raw child output through the stripper into the buffer.
func (d *Detector) Write(raw []byte) (int, error) {
	d.mu.Lock()
	stripped := d.stripper.Feed(raw)
	d.mu.Unlock()
	_, _ = d.buf.Write(stripped)
	return len(raw), nil
}

// Scan classifies the current buffer tail. It returns nil when nothing
// matches or when the content has not changed since the last emission.
func (d *Detector) Scan() *Candidate {
	return d.classify(false)
}

// OnStall combines the watchdog's stall signal with a fresh pattern pass.
// A stall over unmatched, non-empty output yields a low-confidence unknown
// candidate for the ambiguity protocol.
func (d *Detector) OnStall() *Candidate {
	return d.classify(true)
}

// Snapshot returns the stripped tail for human inspection, newest last.
func (d *Detector) Snapshot() string {
	lines := d.buf.TailLines(tailWindow)
	return strings.Join(lines, "\n")
}

// BufferLen reports the rolling window size.
func (d *Detector) BufferLen() int { return d.buf.Len() }

// Clear empties the buffer and the dedup key. Called after injection.
func (d *Detector) Clear() {
	d.buf.Clear()
	d.mu.Lock()
	d.lastKey = ""
	d.mu.Unlock()
}

func (d *Detector) classify(stall bool) *Candidate {
	if d.buf.Len() == 0 {
		return nil
	}

	key := d.contentKey()
	d.mu.Lock()
	budget := d.budget
	patterns := d.patterns
	probe := d.ttyBlocked
	dup := key == d.lastKey
	d.mu.Unlock()
	if dup {
		return nil
	}

	start := time.Now()
	lines := d.buf.TailLines(tailWindow)

	cand := d.matchPatterns(lines, patterns, start, budget)
	if cand == nil {
		if choices := parseChoices(lines); choices != nil {
			cand = &Candidate{
				Type:    types.PromptMultipleChoice,
				Score:   ScoreSolid,
				Choices: choices,
				Signals: []string{SignalPattern},
			}
		}
	} else if cand.Type == types.PromptMultipleChoice && cand.Choices == nil {
		cand.Choices = parseChoices(lines)
	}

	switch {
	case cand != nil && stall:
		cand.Score += stallBonus
		cand.Signals = append(cand.Signals, SignalStall)
	case cand == nil && stall:
		cand = &Candidate{
			Type:    types.PromptUnknown,
			Score:   scoreStall,
			Signals: []string{SignalStall},
		}
	case cand == nil:
		return nil
	}

	if probe() {
		cand.Score += stallBonus
		cand.Signals = append(cand.Signals, SignalTTYBlocked)
	}
	if cand.Score > 0.99 {
		cand.Score = 0.99
	}
	cand.Confidence = confidenceFor(cand.Score)
	cand.Excerpt = buildExcerpt(lines)

	d.mu.Lock()
	d.lastKey = key
	d.mu.Unlock()
	return cand
}

// matchPatterns tries the newest non-empty lines against the tables. The
// budget is checkpointed between evaluations; RE2 keeps each one linear.
func (d *Detector) matchPatterns(lines []string, patterns []Pattern, start time.Time, budget time.Duration) *Candidate {
	checked := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		for _, p := range patterns {
			if time.Since(start) > budget {
				d.logger.Warn("classification budget exceeded", "budget", budget)
				return nil
			}
			if p.Re.MatchString(line) {
				return &Candidate{Type: p.Type, Score: p.Score, Signals: []string{SignalPattern}}
			}
		}
		checked++
		if checked == scanLines {
			break
		}
	}
	return nil
}

func (d *Detector) contentKey() string {
	sum := sha256.Sum256(d.buf.Bytes())
	return hex.EncodeToString(sum[:8])
}

func confidenceFor(score float64) types.Confidence {
	switch {
	case score >= highThreshold:
		return types.ConfidenceHigh
	case score >= mediumThreshold:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}

func buildExcerpt(lines []string) string {
	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, strings.TrimRight(line, " \t"))
		}
	}
	if len(kept) > scanLines {
		kept = kept[len(kept)-scanLines:]
	}
	excerpt := strings.Join(kept, "\n")
	if len(excerpt) > excerptLimit {
		cut := len(excerpt) - excerptLimit
		// do not split a multi-byte rune
		for cut < len(excerpt) && excerpt[cut]&0xc0 == 0x80 {
			cut++
		}
		excerpt = excerpt[cut:]
	}
	return excerpt
}
