// Package channel defines the relay contract between the router and the
// humans answering prompts, plus the cross-cutting pieces every backend
// shares: the callback wire format, outbound rate limiting, the circuit
// breaker, and message rendering.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Channel is implemented by every relay backend. Exactly one send path
// and one receive path exist per channel; the router owns everything
// between them.
type Channel interface {
	// Name identifies the backend ("telegram", "slack", ...). Recorded on
	// every prompt the backend delivers.
	Name() string
	// Start establishes background connectivity (long-poll, socket).
	Start(ctx context.Context) error
	// Close tears down cleanly and closes the Replies stream.
	Close() error
	// SendPrompt delivers a prompt with platform affordances and returns
	// the channel message id.
	SendPrompt(ctx context.Context, event types.PromptEvent, sess SessionContext) (string, error)
	// EditPromptMessage reflects post-decision state on a sent message.
	EditPromptMessage(ctx context.Context, messageID, text string) error
	// Notify sends a non-interactive out-of-band message.
	Notify(ctx context.Context, text string) error
	// Replies streams validated inbound items until Close.
	Replies() <-chan Inbound
	// IsAllowed reports whether identity passes the allowlist.
	IsAllowed(identity string) bool
	// Healthcheck reports connectivity and circuit state.
	Healthcheck() Health
}

// SessionContext carries the session attributes a prompt message renders.
type SessionContext struct {
	SessionID string
	Tool      string
	Label     string
	Cwd       string
}

// Short returns the 8-character session identifier used in messages.
func (s SessionContext) Short() string {
	if len(s.SessionID) < 8 {
		return s.SessionID
	}
	return s.SessionID[:8]
}

// Title renders the "tool (label) [shortid]" message header.
func (s SessionContext) Title() string {
	name := s.Tool
	if s.Label != "" {
		name += " (" + s.Label + ")"
	}
	return fmt.Sprintf("%s [%s]", name, s.Short())
}

// Inbound is one allowlisted message or button press, before resolution
// against the store. Callbacks carry the short prompt and nonce prefix;
// free text carries only Text and, when the platform links it, the
// message id it replies to. Malformed holds the raw payload of a button
// press that failed to decode, for the router to audit.
type Inbound struct {
	Channel     string
	ShortPrompt string
	NoncePrefix string
	Value       string
	Text        string
	Responder   string
	MessageID   string
	Malformed   string
	ReceivedAt  time.Time
}

// IsCallback reports whether the item came from a prompt button.
func (i Inbound) IsCallback() bool { return i.ShortPrompt != "" }

// Health is the healthcheck result of a channel.
type Health struct {
	Status       string `json:"status"`
	Connected    bool   `json:"connected"`
	CircuitState string `json:"circuit_state"`
}

// Control values carried in callbacks besides direct answers.
const (
	ValueDefault = "default"
	ValueEnter   = "enter"
	ValueShow    = "show"
	ValueCancel  = "cancel"
)

// Config carries the credentials and allowlist a backend constructor
// needs. Unused fields are ignored by backends that do not need them.
type Config struct {
	BotToken     string
	AppToken     string
	ChatID       string
	AllowedUsers []string
}

// Constructor builds a channel backend from configuration.
type Constructor func(cfg Config, logger *slog.Logger) (Channel, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a backend constructor. The daemon registers the built-in
// table explicitly at startup.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New constructs the named backend.
func New(name string, cfg Config, logger *slog.Logger) (Channel, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.KindConfig, "unknown channel %q (registered: %s)",
			name, strings.Join(Names(), ", "))
	}
	return ctor(cfg, logger)
}

// Names lists the registered backends, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// excerptLimit caps the excerpt rendered into channel messages.
const excerptLimit = 200

// TruncateExcerpt collapses the tail of long excerpts with an ellipsis.
func TruncateExcerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("…")
	// do not split a multi-byte rune
	for cut > 0 && s[cut]&0xc0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

// PromptText renders the platform-neutral prompt body: header, excerpt,
// TTL countdown, and the safe-default note.
func PromptText(ev types.PromptEvent, sess SessionContext, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is waiting for input\n\n", sess.Title())
	b.WriteString(TruncateExcerpt(ev.Excerpt, excerptLimit))
	b.WriteString("\n\n")

	expiry := time.UnixMilli(ev.ExpiresAt)
	if expiry.After(now) {
		fmt.Fprintf(&b, "Expires %s.", humanize.RelTime(now, expiry, "from now", "ago"))
	} else {
		b.WriteString("Expired.")
	}
	if ev.SafeDefault != "" {
		fmt.Fprintf(&b, " No reply falls back to %q.", ev.SafeDefault)
	}
	return b.String()
}
