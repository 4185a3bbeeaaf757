package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Group presents several backends as one channel. The first member is
// the primary: it owns message ids, receives edits, and its name is
// recorded on prompts. The rest are mirrors; they see every prompt and
// notice best-effort, and their replies merge into one stream. A reply
// arriving on a mirror still resolves, because callbacks carry the
// prompt and nonce rather than the message id.
type Group struct {
	primary Channel
	mirrors []Channel
	log     *slog.Logger

	replies   chan Inbound
	forwarded sync.WaitGroup
	closeOnce sync.Once
}

// NewGroup builds a composite over primary plus mirrors.
func NewGroup(primary Channel, mirrors []Channel, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		primary: primary,
		mirrors: mirrors,
		log:     logger.With("component", "channel-group"),
		replies: make(chan Inbound, 64),
	}
}

// Name reports the primary backend, which is what prompt rows record.
func (g *Group) Name() string { return g.primary.Name() }

// Start brings up every member. A mirror that fails to start is dropped
// with a warning; a primary that fails to start fails the group.
func (g *Group) Start(ctx context.Context) error {
	if err := g.primary.Start(ctx); err != nil {
		return err
	}
	alive := g.mirrors[:0]
	for _, m := range g.mirrors {
		if err := m.Start(ctx); err != nil {
			g.log.Warn("mirror channel failed to start", "channel", m.Name(), "error", err)
			continue
		}
		alive = append(alive, m)
	}
	g.mirrors = alive

	g.forward(g.primary)
	for _, m := range g.mirrors {
		g.forward(m)
	}
	go func() {
		g.forwarded.Wait()
		close(g.replies)
	}()
	return nil
}

func (g *Group) forward(ch Channel) {
	g.forwarded.Add(1)
	go func() {
		defer g.forwarded.Done()
		for in := range ch.Replies() {
			g.replies <- in
		}
	}()
}

// Close tears down every member; the merged stream closes once their
// reply streams drain.
func (g *Group) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.primary.Close()
		for _, m := range g.mirrors {
			if cerr := m.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// SendPrompt delivers on the primary and mirrors the prompt elsewhere.
// Only the primary's outcome decides success; mirror ids are dropped,
// so mirror messages are never edited afterwards.
func (g *Group) SendPrompt(ctx context.Context, ev types.PromptEvent, sess SessionContext) (string, error) {
	id, err := g.primary.SendPrompt(ctx, ev, sess)
	if err != nil {
		return "", err
	}
	for _, m := range g.mirrors {
		if _, merr := m.SendPrompt(ctx, ev, sess); merr != nil {
			g.log.Warn("mirror send failed", "channel", m.Name(), "error", merr)
		}
	}
	return id, nil
}

// EditPromptMessage touches only the primary; mirrors hold no ids.
func (g *Group) EditPromptMessage(ctx context.Context, messageID, text string) error {
	return g.primary.EditPromptMessage(ctx, messageID, text)
}

// Notify fans out to every member. The primary's error is the result.
func (g *Group) Notify(ctx context.Context, text string) error {
	err := g.primary.Notify(ctx, text)
	for _, m := range g.mirrors {
		if merr := m.Notify(ctx, text); merr != nil {
			g.log.Warn("mirror notify failed", "channel", m.Name(), "error", merr)
		}
	}
	return err
}

// Replies is the merged inbound stream of every member.
func (g *Group) Replies() <-chan Inbound { return g.replies }

// IsAllowed admits an identity any member admits. Each backend already
// validated the identities it emitted; this re-check is for the router.
func (g *Group) IsAllowed(identity string) bool {
	if g.primary.IsAllowed(identity) {
		return true
	}
	for _, m := range g.mirrors {
		if m.IsAllowed(identity) {
			return true
		}
	}
	return false
}

// Healthcheck reports the primary's health; mirrors degrade silently.
func (g *Group) Healthcheck() Health { return g.primary.Healthcheck() }
