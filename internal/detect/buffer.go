package detect

import (
	"strings"
	"sync"
)

// MaxBufferBytes is the rolling buffer capacity. The value is frozen; the
// configuration loader rejects overrides.
const MaxBufferBytes = 4096

// MaxBufferLines bounds the assembled line deque.
const MaxBufferLines = 200

// Buffer keeps the last MaxBufferBytes of stripped output plus a bounded
// deque of assembled logical lines. A carriage return without a newline
// resets the assembling line the way a redrawing TUI overwrites it.
type Buffer struct {
	mu        sync.Mutex
	ring      []byte
	pos       int
	full      bool
	lines     []string
	current   []byte
	pendingCR bool
}

// NewBuffer returns an empty rolling buffer.
func NewBuffer() *Buffer {
	return &Buffer{ring: make([]byte, MaxBufferBytes)}
}

// Write appends stripped bytes, wrapping when full. Never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p {
		b.ring[b.pos] = c
		b.pos = (b.pos + 1) % len(b.ring)
		if b.pos == 0 {
			b.full = true
		}
		b.feedLine(c)
	}
	return len(p), nil
}

func (b *Buffer) feedLine(c byte) {
	switch c {
	case '\n':
		b.pendingCR = false
		b.pushLine()
	case '\r':
		b.pendingCR = true
	case '\b':
		if b.pendingCR {
			b.current = b.current[:0]
			b.pendingCR = false
		}
		if n := len(b.current); n > 0 {
			b.current = b.current[:n-1]
		}
	default:
		if b.pendingCR {
			b.current = b.current[:0]
			b.pendingCR = false
		}
		b.current = append(b.current, c)
	}
}

func (b *Buffer) pushLine() {
	b.lines = append(b.lines, string(b.current))
	b.current = b.current[:0]
	if len(b.lines) > MaxBufferLines {
		b.lines = b.lines[len(b.lines)-MaxBufferLines:]
	}
}

// Bytes returns the buffered window in chronological order.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]byte, b.pos)
		copy(out, b.ring[:b.pos])
		return out
	}
	out := make([]byte, len(b.ring))
	copy(out, b.ring[b.pos:])
	copy(out[len(b.ring)-b.pos:], b.ring[:b.pos])
	return out
}

// TailLines returns up to n most recent complete lines plus the partial
// line under assembly (when non-empty), oldest first.
func (b *Buffer) TailLines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if len(b.lines) > n {
		start = len(b.lines) - n
	}
	out := make([]string, 0, n+1)
	out = append(out, b.lines[start:]...)
	if len(b.current) > 0 {
		out = append(out, string(b.current))
	}
	return out
}

// LastLine returns the most recent non-empty line, preferring the partial
// line under assembly.
func (b *Buffer) LastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur := strings.TrimSpace(string(b.current)); cur != "" {
		return cur
	}
	for i := len(b.lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(b.lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// Len reports how many bytes the window currently holds.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.pos
}

// Clear empties the window and the line deque. Called after an injection so
// stale output cannot re-trigger detection.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pos = 0
	b.full = false
	b.lines = b.lines[:0]
	b.current = b.current[:0]
	b.pendingCR = false
}
