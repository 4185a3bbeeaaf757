package channel

import (
	"errors"
	"sync"
	"time"
)

// Breaker states reported by Healthcheck.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// ErrBreakerOpen is returned by sends that fail fast while the circuit
// is open.
var ErrBreakerOpen = errors.New("channel circuit open")

const (
	breakerThreshold = 3
	breakerCooldown  = 30 * time.Second
)

// Breaker trips after consecutive transport failures. While open, sends
// fail fast; after the cooldown one probe is let through and its outcome
// closes or re-opens the circuit.
type Breaker struct {
	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewBreaker builds a closed breaker with the standard threshold and
// cooldown.
func NewBreaker() *Breaker {
	return &Breaker{state: BreakerClosed, now: time.Now}
}

// Allow reports whether a send may proceed. The transition to half-open
// happens here: the first call after the cooldown claims the probe slot.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= breakerCooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default: // half-open, probe already in flight
		return false
	}
}

// Success resets the circuit after a completed send.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// Failure records a failed send, tripping the circuit at the threshold
// and re-opening it when a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= breakerThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current circuit state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
