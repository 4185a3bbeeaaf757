// Package pty spawns supervised child processes attached to a
// pseudoterminal master. The POSIX backend is the real one; Windows
// ConPTY is gated behind an experimental flag and currently reports
// itself unsupported.
package pty

import (
	"sync"

	"golang.org/x/term"
)

// Default window size applied when SpawnOptions leaves Cols/Rows zero.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// SpawnOptions describes the child process to attach to a pty.
type SpawnOptions struct {
	// Argv is the full argument vector; Argv[0] must be a resolved
	// binary path (adapters own path resolution).
	Argv []string
	// Env is the child environment. Nil inherits the parent's.
	Env []string
	// Dir is the working directory. Empty inherits the parent's.
	Dir string
	// Initial window size. Zero values fall back to DefaultCols/DefaultRows.
	Cols uint16
	Rows uint16
	// Experimental opts in to platform backends that are not yet
	// production quality (Windows ConPTY).
	Experimental bool
}

func (o SpawnOptions) size() (cols, rows uint16) {
	cols, rows = o.Cols, o.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return cols, rows
}

// IsTerminal reports whether fd is attached to a terminal.
func IsTerminal(fd int) bool { return term.IsTerminal(fd) }

// RawMode switches the terminal on fd into raw mode and returns a
// restore function. The restore function may be called any number of
// times from any exit path; only the first call has effect.
func RawMode(fd int) (restore func(), err error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = term.Restore(fd, state)
		})
	}, nil
}
