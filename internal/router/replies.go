package router

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// HandleInbound routes one channel item: a button callback, a typed
// reply to a prompt message, or bare text. Guard failures are recorded
// and acknowledged back to the chat, never raised as errors.
func (r *Router) HandleInbound(ctx context.Context, in channel.Inbound) {
	if in.Responder == "" || !r.ch.IsAllowed(in.Responder) {
		r.log.Warn("inbound item from unauthorised responder dropped",
			"responder", in.Responder)
		return
	}

	switch {
	case in.Malformed != "":
		r.append(types.EventInvalidCallback, "", "", map[string]any{
			"reason":    "malformed",
			"raw":       in.Malformed,
			"responder": in.Responder,
		})
	case in.IsCallback():
		r.handleCallback(ctx, in)
	case strings.TrimSpace(in.Text) != "":
		r.handleText(ctx, in)
	}
}

// handleCallback resolves the short-form (prompt, nonce prefix) pair
// against the store and dispatches on the carried value.
func (r *Router) handleCallback(ctx context.Context, in channel.Inbound) {
	p, err := db.GetPromptByShortID(r.conn, in.ShortPrompt)
	if err != nil {
		// An ambiguous short id is indistinguishable from a forgery.
		r.append(types.EventInvalidCallback, "", "", map[string]any{
			"reason":       "ambiguous_short_id",
			"short_prompt": in.ShortPrompt,
			"responder":    in.Responder,
		})
		return
	}
	if p == nil {
		r.append(types.EventInvalidCallback, "", "", map[string]any{
			"reason":       "unknown_prompt",
			"short_prompt": in.ShortPrompt,
			"responder":    in.Responder,
		})
		r.notify(ctx, fmt.Sprintf("No prompt %s is known.", in.ShortPrompt))
		return
	}
	if !strings.HasPrefix(p.Nonce, in.NoncePrefix) {
		r.append(types.EventInvalidCallback, p.SessionID, p.PromptID, map[string]any{
			"reason":    "nonce_mismatch",
			"responder": in.Responder,
		})
		return
	}
	if !r.admit(ctx, p.SessionID) {
		return
	}

	switch in.Value {
	case channel.ValueShow:
		r.showTail(ctx, *p)
	case channel.ValueCancel:
		r.cancel(ctx, *p, in.Responder)
	case channel.ValueDefault:
		if p.SafeDefault == "" {
			r.notify(ctx, fmt.Sprintf("Prompt %s has no safe default.", p.ShortID()))
			return
		}
		r.acceptReply(ctx, *p, p.SafeDefault, in.Responder)
	case channel.ValueEnter:
		r.acceptReply(ctx, *p, "enter", in.Responder)
	default:
		r.acceptReply(ctx, *p, in.Value, in.Responder)
	}
}

// handleText routes a typed message: a platform reply to a prompt
// message targets that prompt; bare text targets the single pending
// free-text prompt, or is held behind a disambiguation notice.
func (r *Router) handleText(ctx context.Context, in channel.Inbound) {
	text := strings.TrimSpace(in.Text)

	if in.MessageID != "" {
		p, err := db.GetPromptByChannelMsg(r.conn, in.Channel, in.MessageID)
		if err != nil {
			r.log.Error("resolving cited message", "error", err)
			return
		}
		if p != nil {
			if r.admit(ctx, p.SessionID) {
				r.acceptReply(ctx, *p, text, in.Responder)
			}
			return
		}
		// A reply to some other bot message falls through to the bare
		// text path.
	}

	pending, err := db.PendingFreeText(r.conn, r.now().UnixMilli())
	if err != nil {
		r.log.Error("listing pending free-text prompts", "error", err)
		return
	}
	switch len(pending) {
	case 0:
		r.notify(ctx, "No session is waiting for a typed reply.")
	case 1:
		if r.admit(ctx, pending[0].SessionID) {
			r.acceptReply(ctx, pending[0], text, in.Responder)
		}
	default:
		r.holdText(ctx, pending, text, in.Responder)
	}
}

// admit enforces the per-session inbound budget. A session over budget
// is paused for a window; items for a paused session are dropped.
func (r *Router) admit(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	until, pausedNow := r.paused[sessionID]
	r.mu.Unlock()
	if pausedNow && r.now().Before(until) {
		r.log.Warn("reply dropped; session routing is paused",
			"session", short(sessionID))
		return false
	}

	if r.inbound.Allow(sessionID) {
		return true
	}

	r.mu.Lock()
	until = r.now().Add(r.cfg.PauseWindow)
	r.paused[sessionID] = until
	r.mu.Unlock()
	r.log.Warn("inbound reply budget exceeded; pausing session routing",
		"session", short(sessionID), "until", until)
	r.notify(ctx, fmt.Sprintf("Too many replies for session %s; ignoring it for %s.",
		short(sessionID), r.cfg.PauseWindow))
	return false
}

// acceptReply validates a human answer, wins or loses the guarded
// decide, and hands the winning bytes to the session injector.
func (r *Router) acceptReply(ctx context.Context, p types.PromptEvent, value, responder string) {
	if reason := r.validateValue(p, value); reason != "" {
		r.notify(ctx, fmt.Sprintf("Reply to %s rejected: %s.", p.ShortID(), reason))
		return
	}

	sess := r.session(p.SessionID)
	if sess == nil {
		r.notify(ctx, fmt.Sprintf("Session %s is gone; the prompt cannot be answered.",
			short(p.SessionID)))
		return
	}

	data, err := sess.Adapter.NormalizeReply(p.Type, value)
	if err != nil {
		r.notify(ctx, fmt.Sprintf("Reply to %s rejected: %v.", p.ShortID(), err))
		return
	}

	now := r.now().UnixMilli()
	n, err := db.DecidePrompt(r.conn, p.PromptID, p.SessionID, p.Nonce,
		types.StatusReplyReceived, responder, now)
	if err != nil {
		r.log.Error("reply decide failed", "prompt", p.ShortID(), "error", err)
		return
	}
	if n == 0 {
		r.rejectStale(ctx, p, responder, value)
		return
	}

	reply := types.Reply{
		ReplyID:    r.newID(),
		PromptID:   p.PromptID,
		SessionID:  p.SessionID,
		RawValue:   value,
		Normalized: data,
		Source:     types.SourceChannel,
		Responder:  responder,
		ReceivedAt: now,
	}
	if err := db.InsertReply(r.conn, reply); err != nil {
		r.log.Error("recording reply", "error", err)
	}
	r.append(types.EventReplyReceived, p.SessionID, p.PromptID, map[string]any{
		"source":    string(types.SourceChannel),
		"responder": responder,
		"value":     value,
	})
	r.editMessage(ctx, p, fmt.Sprintf("Answered %q by %s.", value, responder))

	if err := r.enqueue(ctx, sess, p, data); err != nil {
		return
	}
	r.flushHeld(ctx)
}

// validateValue enforces the prompt's stored constraints before the
// nonce is consumed, so a rejected value can be retried.
func (r *Router) validateValue(p types.PromptEvent, value string) string {
	if len(p.AllowedChoices) > 0 && !slices.Contains(p.AllowedChoices, value) {
		return fmt.Sprintf("%q is not one of the offered choices", value)
	}
	limit := p.MaxLength
	if p.Type == types.PromptFreeText && limit == 0 {
		limit = r.cfg.FreeTextMaxLength
	}
	if limit > 0 && len(value) > limit {
		return fmt.Sprintf("reply is %d bytes, limit is %d", len(value), limit)
	}
	return ""
}

// rejectStale explains a lost decide race. The stored status tells
// whether the prompt expired, was already answered, or went away.
func (r *Router) rejectStale(ctx context.Context, p types.PromptEvent, responder, value string) {
	cur, err := db.GetPrompt(r.conn, p.PromptID)
	if err != nil || cur == nil {
		r.append(types.EventInvalidCallback, p.SessionID, p.PromptID, map[string]any{
			"reason":    "unknown_prompt",
			"responder": responder,
		})
		r.notify(ctx, fmt.Sprintf("Prompt %s is unknown.", p.ShortID()))
		return
	}

	late := func() {
		r.append(types.EventLateReplyRejected, p.SessionID, p.PromptID, map[string]any{
			"responder": responder,
			"value":     value,
		})
		r.notify(ctx, fmt.Sprintf("Prompt %s expired before the reply arrived.", p.ShortID()))
	}
	duplicate := func(note string) {
		r.append(types.EventDuplicateCallback, p.SessionID, p.PromptID, map[string]any{
			"responder": responder,
			"value":     value,
		})
		r.notify(ctx, fmt.Sprintf("Prompt %s %s.", p.ShortID(), note))
	}

	switch cur.Status {
	case types.StatusExpired:
		late()
	case types.StatusResolved:
		// Resolved without a responder means the safe default went in
		// after expiry; the reply was late, not duplicated.
		if cur.Responder == "" {
			late()
		} else {
			duplicate("was already answered")
		}
	case types.StatusReplyReceived, types.StatusInjected:
		duplicate("was already answered")
	case types.StatusCanceled:
		duplicate("was canceled")
	default:
		r.append(types.EventInvalidCallback, p.SessionID, p.PromptID, map[string]any{
			"reason":    "guard_failure",
			"status":    string(cur.Status),
			"responder": responder,
		})
	}
}

// showTail re-notifies with the stripped output tail so the human can
// judge an unknown prompt before answering. The prompt stays pending.
func (r *Router) showTail(ctx context.Context, p types.PromptEvent) {
	sess := r.session(p.SessionID)
	if sess == nil {
		r.notify(ctx, fmt.Sprintf("Session %s is gone.", short(p.SessionID)))
		return
	}
	tail := sess.Injector.Snapshot()
	if strings.TrimSpace(tail) == "" {
		tail = "(no recent output)"
	}
	r.notify(ctx, fmt.Sprintf("Last output of %s:\n%s",
		sessionContext(sess.Meta).Title(), tail))
}

// cancel resolves a prompt without touching the child. Guarded: a racing
// reply or expiry wins and the cancel reports as stale.
func (r *Router) cancel(ctx context.Context, p types.PromptEvent, responder string) {
	n, err := db.DecidePrompt(r.conn, p.PromptID, p.SessionID, p.Nonce,
		types.StatusCanceled, responder, r.now().UnixMilli())
	if err != nil {
		r.log.Error("cancel decide failed", "prompt", p.ShortID(), "error", err)
		return
	}
	if n == 0 {
		r.rejectStale(ctx, p, responder, channel.ValueCancel)
		return
	}
	r.append(types.EventPromptCanceled, p.SessionID, p.PromptID, map[string]any{
		"responder": responder,
	})
	r.editMessage(ctx, p, fmt.Sprintf("Canceled by %s.", responder))
}

// holdText keeps the newest unroutable text per responder and asks the
// chat to disambiguate. flushHeld applies it once one candidate remains.
func (r *Router) holdText(ctx context.Context, pending []types.PromptEvent, text, responder string) {
	r.mu.Lock()
	r.held[responder] = heldReply{text: text, at: r.now()}
	r.mu.Unlock()

	var b strings.Builder
	b.WriteString("Several sessions await a typed reply; reply directly to the prompt message you mean:")
	for _, p := range pending {
		title := short(p.SessionID)
		if sess := r.session(p.SessionID); sess != nil {
			title = sessionContext(sess.Meta).Title()
		}
		fmt.Fprintf(&b, "\n  %s: %s", p.ShortID(), title)
	}
	r.notify(ctx, b.String())
}

// flushHeld re-attempts held texts after the pending set shrank. Held
// replies outliving the hold window are dropped.
func (r *Router) flushHeld(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	if len(r.held) == 0 {
		r.mu.Unlock()
		return
	}
	held := make(map[string]heldReply, len(r.held))
	for responder, h := range r.held {
		if now.Sub(h.at) <= r.cfg.HoldWindow {
			held[responder] = h
		}
	}
	r.held = make(map[string]heldReply)
	r.mu.Unlock()

	if len(held) == 0 {
		return
	}
	pending, err := db.PendingFreeText(r.conn, now.UnixMilli())
	if err != nil {
		r.log.Error("listing pending free-text prompts", "error", err)
		return
	}
	if len(pending) != 1 {
		r.mu.Lock()
		for responder, h := range held {
			r.held[responder] = h
		}
		r.mu.Unlock()
		return
	}
	for responder, h := range held {
		if r.admit(ctx, pending[0].SessionID) {
			r.acceptReply(ctx, pending[0], h.text, responder)
		}
	}
}
