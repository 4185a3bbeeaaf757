package policy

import (
	"log/slog"
	"sync/atomic"
)

// Engine holds the live policy and the autopilot pause flag. Reloads swap
// the pointer atomically so in-flight evaluations always see one coherent
// document.
type Engine struct {
	logger *slog.Logger
	cur    atomic.Pointer[Policy]
	paused atomic.Bool
	trace  *Trace
}

// NewEngine wraps a loaded policy. trace may be nil to skip the decision
// trace (policy test CLI).
func NewEngine(p *Policy, trace *Trace, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger: logger.With("component", "policy"),
		trace:  trace,
	}
	e.cur.Store(p)
	return e
}

// Current returns the live policy.
func (e *Engine) Current() *Policy { return e.cur.Load() }

// Swap installs a new policy document.
func (e *Engine) Swap(p *Policy) {
	e.cur.Store(p)
	e.logger.Info("policy swapped",
		"name", p.Name, "mode", p.Mode, "rules", len(p.Rules), "hash", p.Hash())
}

// SetPaused flips the autopilot pause flag. While paused the effective
// autonomy mode is off.
func (e *Engine) SetPaused(v bool) { e.paused.Store(v) }

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.paused.Load() }

// Decide evaluates in against the live policy, honouring the pause flag,
// and appends the outcome to the decision trace.
func (e *Engine) Decide(in Input) Decision {
	p := e.cur.Load()

	var d Decision
	if e.paused.Load() && p.Mode != ModeOff {
		frozen := *p
		frozen.Mode = ModeOff
		d = Eval(&frozen, in)
		d.Explain = append([]string{"autopilot paused: forcing autonomy off"}, d.Explain...)
	} else {
		d = Eval(p, in)
	}

	if e.trace != nil {
		if err := e.trace.Append(p, in, d); err != nil {
			e.logger.Warn("decision trace append failed", "error", err)
		}
	}
	return d
}
