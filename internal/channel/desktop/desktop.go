// Package desktop is a notify-only channel: prompts surface as system
// notifications and replies always come from somewhere else (another
// channel, the terminal, or expiry).
package desktop

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Name is the registry key of this backend.
const Name = "desktop"

const notifyBodyMax = 120

// notify is swapped out by tests; beeep errors are best-effort noise on
// headless hosts.
var notify = beeep.Notify

// Desktop implements channel.Channel without an inbound path.
type Desktop struct {
	log       *slog.Logger
	replies   chan channel.Inbound
	closeOnce sync.Once
}

// New builds the backend. It takes no credentials.
func New(_ channel.Config, logger *slog.Logger) (channel.Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{
		log:     logger.With("channel", Name),
		replies: make(chan channel.Inbound),
	}, nil
}

// Name identifies the backend.
func (d *Desktop) Name() string { return Name }

// Start has no connection to establish.
func (d *Desktop) Start(context.Context) error { return nil }

// Close closes the never-delivering reply stream.
func (d *Desktop) Close() error {
	d.closeOnce.Do(func() { close(d.replies) })
	return nil
}

// SendPrompt raises a notification. There is no message to edit later,
// so the returned id is empty; notification failures are logged and
// swallowed since a desktop without a notifier must not stall routing.
func (d *Desktop) SendPrompt(_ context.Context, ev types.PromptEvent, sess channel.SessionContext) (string, error) {
	title := sess.Title() + " needs input"
	if err := notify(title, truncateBody(ev.Excerpt), ""); err != nil {
		d.log.Warn("notification failed", "error", err)
	}
	return "", nil
}

// EditPromptMessage is a no-op; notifications cannot be edited.
func (d *Desktop) EditPromptMessage(context.Context, string, string) error { return nil }

// Notify raises a plain notification.
func (d *Desktop) Notify(_ context.Context, text string) error {
	if err := notify("atlasbridge", truncateBody(text), ""); err != nil {
		d.log.Warn("notification failed", "error", err)
	}
	return nil
}

// Replies never delivers; the channel is outbound-only.
func (d *Desktop) Replies() <-chan channel.Inbound { return d.replies }

// IsAllowed always refuses: there is no authenticated inbound identity.
func (d *Desktop) IsAllowed(string) bool { return false }

// Healthcheck is static; nothing can disconnect.
func (d *Desktop) Healthcheck() channel.Health {
	return channel.Health{Status: "ok", Connected: true, CircuitState: channel.BreakerClosed}
}

func truncateBody(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= notifyBodyMax {
		return s
	}
	cut := notifyBodyMax - 1
	// do not split a multi-byte rune
	for cut > 0 && s[cut]&0xc0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
