package types

import (
	"errors"
	"fmt"
)

// ErrKind buckets errors by how the process should react to them.
type ErrKind string

const (
	// KindConfig marks invalid configuration or policy files. Fail fast,
	// never partially apply.
	KindConfig ErrKind = "config"
	// KindEnvironment marks a missing or unusable host facility (no PTY,
	// unsupported platform, locked state dir).
	KindEnvironment ErrKind = "environment"
	// KindTransient marks failures worth retrying with backoff.
	KindTransient ErrKind = "transient"
	// KindIntegrity marks audit chain or store consistency violations.
	KindIntegrity ErrKind = "integrity"
	// KindResource marks bounded-resource exhaustion (queues, buffers).
	KindResource ErrKind = "resource"
)

// Error is an error tagged with a reaction kind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind. A nil err returns nil.
func NewError(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new kind-tagged error.
func Errorf(kind ErrKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, or empty if it carries none.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Sentinel guard outcomes. These are expected control-flow results of
// conditional store updates, not faults.
var (
	ErrPromptNotPending = errors.New("prompt is not pending")
	ErrNonceUsed        = errors.New("nonce already consumed")
	ErrPromptExpired    = errors.New("prompt expired")
	ErrDuplicatePrompt  = errors.New("duplicate prompt")
)
