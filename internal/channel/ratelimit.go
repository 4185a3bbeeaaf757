package channel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Outbound defaults. Telegram documents roughly one message per second
// per chat; Slack is looser but tolerates the same pacing.
const (
	DefaultSendRate      = rate.Limit(1)
	DefaultSendBurst     = 1
	DefaultMaxConcurrent = 4
)

// Limiter paces outbound sends: a token bucket per destination chat plus
// a global cap on in-flight API calls shared across destinations.
type Limiter struct {
	slots chan struct{}

	mu      sync.Mutex
	perChat map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewLimiter builds a limiter. Zero values fall back to the defaults.
func NewLimiter(limit rate.Limit, burst, maxConcurrent int) *Limiter {
	if limit <= 0 {
		limit = DefaultSendRate
	}
	if burst <= 0 {
		burst = DefaultSendBurst
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		perChat: make(map[string]*rate.Limiter),
		limit:   limit,
		burst:   burst,
	}
}

// Acquire blocks until the chat's token bucket and a global slot are both
// available, then returns the release func for the slot. The rate wait
// happens first so a slow chat does not pin a concurrency slot.
func (l *Limiter) Acquire(ctx context.Context, chatID string) (func(), error) {
	if err := l.chatLimiter(chatID).Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

func (l *Limiter) chatLimiter(chatID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perChat[chatID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.perChat[chatID] = lim
	}
	return lim
}

// DefaultInboundPerMinute caps replies counted per session before routing
// for that session pauses with a warning.
const DefaultInboundPerMinute = 20

// InboundCounter tracks inbound replies per key over a sliding window.
type InboundCounter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewInboundCounter builds a counter allowing limit hits per window.
func NewInboundCounter(limit int, window time.Duration) *InboundCounter {
	if limit <= 0 {
		limit = DefaultInboundPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &InboundCounter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one hit for key and reports whether the key is still
// within its window budget.
func (c *InboundCounter) Allow(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cutoff := now.Add(-c.window)
	kept := c.hits[key][:0]
	for _, t := range c.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	c.hits[key] = kept
	return len(kept) <= c.limit
}

// Forget drops the window for key, typically when its session ends.
func (c *InboundCounter) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hits, key)
}
