// Package router owns the data path between the detector, the policy
// engine, the store, the channel, and the per-session injectors. Every
// prompt state change executes here as a guarded store update with an
// audit record, and the router is the only component that talks back to
// the channel after a prompt has been delivered.
package router

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/db"
	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Injector is the per-session injection surface the router drives.
// *supervisor.Supervisor implements it.
type Injector interface {
	// Enqueue hands normalised bytes to the session's injector task.
	Enqueue(promptID string, data []byte) error
	// Snapshot returns the stripped tail of recent child output.
	Snapshot() string
}

// Session binds one supervised child into the data path.
type Session struct {
	Meta     types.Session
	Adapter  *adapter.Adapter
	Injector Injector

	// Serialises the prompt path per session: the reader and the stall
	// watchdog may emit candidates concurrently.
	mu sync.Mutex
}

// Config tunes the router. Zero values take the listed defaults.
type Config struct {
	TTL               time.Duration // prompt lifetime (5m)
	FreeTextMaxLength int           // typed reply cap in bytes (200)
	InboundPerMinute  int           // per-session reply budget (20)
	PauseWindow       time.Duration // routing pause after a budget breach (1m)
	HoldWindow        time.Duration // held free-text lifetime (2m)
	SendRetries       uint64        // delivery retries after the first try (3)
	SendRetryInitial  time.Duration // first retry delay (1s)
}

const (
	defaultTTL          = 5 * time.Minute
	defaultFreeTextMax  = 200
	defaultPauseWindow  = time.Minute
	defaultHoldWindow   = 2 * time.Minute
	defaultSendRetries  = 3
	defaultRetryInitial = time.Second
)

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.FreeTextMaxLength <= 0 {
		c.FreeTextMaxLength = defaultFreeTextMax
	}
	if c.InboundPerMinute <= 0 {
		c.InboundPerMinute = channel.DefaultInboundPerMinute
	}
	if c.PauseWindow <= 0 {
		c.PauseWindow = defaultPauseWindow
	}
	if c.HoldWindow <= 0 {
		c.HoldWindow = defaultHoldWindow
	}
	if c.SendRetries == 0 {
		c.SendRetries = defaultSendRetries
	}
	if c.SendRetryInitial <= 0 {
		c.SendRetryInitial = defaultRetryInitial
	}
	return c
}

// heldReply is an uncited typed reply waiting for the pending free-text
// set to shrink to one prompt.
type heldReply struct {
	text string
	at   time.Time
}

// Router coordinates prompts and replies across all live sessions.
type Router struct {
	conn   *sql.DB
	aud    *audit.Writer
	engine *policy.Engine
	ch     channel.Channel
	cfg    Config
	log    *slog.Logger

	now      func() time.Time
	newID    func() string
	newNonce func() string

	inbound *channel.InboundCounter

	mu       sync.Mutex
	sessions map[string]*Session
	paused   map[string]time.Time
	held     map[string]heldReply
}

// New wires the router over an open store, the shared audit writer, the
// live policy engine, and one channel backend.
func New(conn *sql.DB, aud *audit.Writer, engine *policy.Engine, ch channel.Channel, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Router{
		conn:     conn,
		aud:      aud,
		engine:   engine,
		ch:       ch,
		cfg:      cfg,
		log:      logger.With("component", "router"),
		now:      time.Now,
		newID:    uuid.NewString,
		newNonce: newNonce,
		inbound:  channel.NewInboundCounter(cfg.InboundPerMinute, time.Minute),
		sessions: make(map[string]*Session),
		paused:   make(map[string]time.Time),
		held:     make(map[string]heldReply),
	}
}

// AttachSession registers a live session with the data path.
func (r *Router) AttachSession(meta types.Session, ad *adapter.Adapter, inj Injector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[meta.SessionID] = &Session{Meta: meta, Adapter: ad, Injector: inj}
}

// DetachSession removes a session. Its pending prompts are settled by
// FailSessionPrompts, which the caller runs first.
func (r *Router) DetachSession(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	delete(r.paused, sessionID)
	r.mu.Unlock()
	r.inbound.Forget(sessionID)
}

func (r *Router) session(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// HandleCandidate runs the prompt path for one detection: authoritative
// dedup through the idempotency key, policy evaluation, then auto-reply,
// escalation, denial, or a bare notification.
func (r *Router) HandleCandidate(ctx context.Context, sessionID string, cand detect.Candidate) error {
	sess := r.session(sessionID)
	if sess == nil {
		return fmt.Errorf("candidate for unknown session %s", short(sessionID))
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := r.now()
	settled, err := db.SettledPromptCount(r.conn, sessionID)
	if err != nil {
		return fmt.Errorf("count settled prompts: %w", err)
	}

	ev := types.PromptEvent{
		PromptID:       r.newID(),
		SessionID:      sessionID,
		Type:           cand.Type,
		Confidence:     cand.Confidence,
		Excerpt:        cand.Excerpt,
		Choices:        cand.Choices,
		Nonce:          r.newNonce(),
		Status:         types.StatusCreated,
		IdempotencyKey: promptKey(sessionID, cand, settled),
		CreatedAt:      now.UnixMilli(),
		ExpiresAt:      now.Add(r.cfg.TTL).UnixMilli(),
	}
	switch ev.Type {
	case types.PromptYesNo:
		ev.SafeDefault = "n"
	case types.PromptMultipleChoice:
		for _, c := range ev.Choices {
			ev.AllowedChoices = append(ev.AllowedChoices, c.Key)
		}
	case types.PromptFreeText:
		ev.MaxLength = r.cfg.FreeTextMaxLength
	}

	if err := db.InsertPrompt(r.conn, ev); err != nil {
		if errors.Is(err, types.ErrDuplicatePrompt) {
			r.log.Debug("dropped re-detected prompt",
				"session", short(sessionID), "type", ev.Type)
			return nil
		}
		return fmt.Errorf("insert prompt: %w", err)
	}
	r.append(types.EventPromptDetected, sessionID, ev.PromptID, map[string]any{
		"type":       string(ev.Type),
		"confidence": string(ev.Confidence),
		"signals":    cand.Signals,
	})

	// A child blocks on one question at a time; a newer detection makes
	// any prompt still pending for this session unanswerable.
	if err := r.supersede(ctx, ev); err != nil {
		r.log.Warn("superseding stale prompts failed", "error", err)
	}

	dec := r.engine.Decide(policy.Input{
		SessionID: sessionID,
		ToolID:    sess.Meta.Tool,
		Repo:      sess.Meta.Cwd,
		Tags:      sess.Meta.Tags,
		Event:     ev,
	})
	r.append(types.EventAutopilotDecided, sessionID, ev.PromptID, map[string]any{
		"action":          string(dec.Action),
		"rule":            dec.MatchedRule,
		"idempotency_key": dec.IdempotencyKey,
	})

	if n, err := db.MarkRouted(r.conn, ev.PromptID); err != nil {
		return fmt.Errorf("mark routed: %w", err)
	} else if n == 0 {
		return fmt.Errorf("prompt %s left created before routing", ev.ShortID())
	}
	r.append(types.EventPromptRouted, sessionID, ev.PromptID, map[string]any{
		"action": string(dec.Action),
		"rule":   dec.MatchedRule,
	})

	switch dec.Action {
	case policy.ActionAutoReply:
		return r.autoReply(ctx, sess, ev, dec)
	case policy.ActionDeny:
		return r.deny(ctx, sess, ev, dec)
	case policy.ActionNotifyOnly:
		return r.notifyOnly(ctx, sess, ev)
	default:
		return r.escalate(ctx, sess, ev, dec.Message)
	}
}

// autoReply decides the prompt with the policy's value and enqueues the
// injection. The guarded decide still applies, so a racing expiry wins
// and the auto reply becomes a no-op.
func (r *Router) autoReply(ctx context.Context, sess *Session, ev types.PromptEvent, dec policy.Decision) error {
	data, err := sess.Adapter.NormalizeReply(ev.Type, dec.Value)
	if err != nil {
		// Load-time rule constraints should make this unreachable.
		r.log.Warn("policy value does not normalise; escalating",
			"rule", dec.MatchedRule, "value", dec.Value, "error", err)
		return r.escalate(ctx, sess, ev, "")
	}

	responder := policyResponder(dec.MatchedRule)
	now := r.now().UnixMilli()
	n, err := db.DecidePrompt(r.conn, ev.PromptID, ev.SessionID, ev.Nonce,
		types.StatusReplyReceived, responder, now)
	if err != nil {
		return fmt.Errorf("decide auto reply: %w", err)
	}
	if n == 0 {
		return nil
	}

	reply := types.Reply{
		ReplyID:    r.newID(),
		PromptID:   ev.PromptID,
		SessionID:  ev.SessionID,
		RawValue:   dec.Value,
		Normalized: data,
		Source:     types.SourcePolicy,
		Responder:  responder,
		ReceivedAt: now,
	}
	if err := db.InsertReply(r.conn, reply); err != nil {
		return fmt.Errorf("record auto reply: %w", err)
	}
	r.append(types.EventReplyReceived, ev.SessionID, ev.PromptID, map[string]any{
		"source":    string(types.SourcePolicy),
		"responder": responder,
		"value":     dec.Value,
	})
	return r.enqueue(ctx, sess, ev, data)
}

// deny answers refusable prompts with the safe refusal and leaves the
// rest pending until their TTL. Denials are always surfaced on the
// channel.
func (r *Router) deny(ctx context.Context, sess *Session, ev types.PromptEvent, dec policy.Decision) error {
	msg := dec.Message
	if msg == "" {
		msg = "denied by policy"
	}
	r.notify(ctx, fmt.Sprintf("%s: %s", sessionContext(sess.Meta).Title(), msg))

	if ev.Type != types.PromptYesNo {
		// No universally safe refusal bytes exist for this type; the
		// prompt expires on its TTL instead.
		return nil
	}
	dec.Value = "n"
	return r.autoReply(ctx, sess, ev, dec)
}

// notifyOnly surfaces the prompt without affordances. The human answers
// at the terminal or lets the TTL run out.
func (r *Router) notifyOnly(ctx context.Context, sess *Session, ev types.PromptEvent) error {
	r.notify(ctx, channel.PromptText(ev, sessionContext(sess.Meta), r.now()))
	return nil
}

// escalate delivers the prompt with affordances, retrying transient
// failures with exponential backoff. A prompt whose delivery exhausts
// the retries stays routed: the expiry sweep settles it and a restart
// re-sends it.
func (r *Router) escalate(ctx context.Context, sess *Session, ev types.PromptEvent, suggestion string) error {
	msgID, err := r.deliver(ctx, sess, ev)
	if err != nil {
		r.append(types.EventChannelTransportFail, ev.SessionID, ev.PromptID, map[string]any{
			"op":    "send_prompt",
			"error": err.Error(),
		})
		return types.NewError(types.KindTransient,
			fmt.Errorf("deliver prompt %s: %w", ev.ShortID(), err))
	}

	if _, err := db.MarkAwaitingReply(r.conn, ev.PromptID, r.ch.Name(), msgID); err != nil {
		return fmt.Errorf("mark awaiting reply: %w", err)
	}
	if suggestion != "" {
		r.notify(ctx, suggestion)
	}
	return nil
}

// deliver sends one prompt message with backoff retries.
func (r *Router) deliver(ctx context.Context, sess *Session, ev types.PromptEvent) (string, error) {
	sctx := sessionContext(sess.Meta)
	var msgID string
	op := func() error {
		id, err := r.ch.SendPrompt(ctx, ev, sctx)
		if err != nil {
			return err
		}
		msgID = id
		return nil
	}
	if err := backoff.Retry(op, r.sendBackOff(ctx)); err != nil {
		return "", err
	}
	return msgID, nil
}

func (r *Router) sendBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.SendRetryInitial
	bo.MaxInterval = time.Minute
	return backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.SendRetries), ctx)
}

// enqueue hands bytes to the session injector; a full queue fails the
// prompt rather than dropping the injection silently.
func (r *Router) enqueue(ctx context.Context, sess *Session, ev types.PromptEvent, data []byte) error {
	err := sess.Injector.Enqueue(ev.PromptID, data)
	if err == nil {
		return nil
	}
	if _, ferr := db.MarkFailed(r.conn, ev.PromptID, r.now().UnixMilli()); ferr != nil {
		r.log.Error("marking prompt failed after enqueue error", "error", ferr)
	}
	r.append(types.EventPromptFailed, ev.SessionID, ev.PromptID, map[string]any{
		"reason": "injection_queue",
		"error":  err.Error(),
	})
	r.editMessage(ctx, ev, "Injection queue is full; the prompt failed.")
	return err
}

// HandleInjected is the supervisor's injection completion callback. A
// successful write settles the prompt; a failed one marks it failed.
func (r *Router) HandleInjected(ctx context.Context, promptID string, injectErr error) {
	now := r.now().UnixMilli()
	p, err := db.GetPrompt(r.conn, promptID)
	if err != nil || p == nil {
		r.log.Error("injected prompt not found", "prompt", short(promptID), "error", err)
		return
	}

	if injectErr != nil {
		if _, err := db.MarkFailed(r.conn, promptID, now); err != nil {
			r.log.Error("marking prompt failed", "error", err)
		}
		r.append(types.EventPromptFailed, p.SessionID, promptID, map[string]any{
			"reason": "injection",
			"error":  injectErr.Error(),
		})
		r.editMessage(ctx, *p, "Injection failed; the session needs attention.")
		return
	}

	if p.Status != types.StatusReplyReceived && p.Status != types.StatusExpired {
		r.log.Warn("injection completed for a settled prompt",
			"prompt", p.ShortID(), "status", p.Status)
		return
	}

	source := string(types.SourceExpiry)
	replies, err := db.RepliesForPrompt(r.conn, promptID)
	if err == nil && len(replies) > 0 {
		last := replies[len(replies)-1]
		source = string(last.Source)
		if err := db.MarkReplyInjected(r.conn, last.ReplyID, now); err != nil {
			r.log.Warn("stamping reply injection", "error", err)
		}
	}

	if p.Status == types.StatusReplyReceived {
		if _, err := db.MarkInjected(r.conn, promptID); err != nil {
			r.log.Error("marking prompt injected", "error", err)
			return
		}
	}
	if _, err := db.MarkResolved(r.conn, promptID); err != nil {
		r.log.Error("marking prompt resolved", "error", err)
		return
	}
	r.append(types.EventResponseInjected, p.SessionID, promptID, map[string]any{
		"source": source,
	})
}

// SweepExpired settles pending prompts whose TTL has passed. Each one is
// expired through its own guarded update (a concurrently accepted reply
// wins), the channel message is updated, and a safe default, when the
// prompt type has one, is injected so the child is not left hanging.
func (r *Router) SweepExpired(ctx context.Context) error {
	expired, err := db.ExpireStale(r.conn, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("expire stale prompts: %w", err)
	}
	for _, p := range expired {
		r.expireOne(ctx, p)
	}
	if len(expired) > 0 {
		r.flushHeld(ctx)
	}
	return nil
}

func (r *Router) expireOne(ctx context.Context, p types.PromptEvent) {
	sess := r.session(p.SessionID)
	injectDefault := p.SafeDefault != "" && sess != nil

	r.append(types.EventPromptExpired, p.SessionID, p.PromptID, map[string]any{
		"safe_default": injectDefault,
	})

	if !injectDefault {
		r.editMessage(ctx, p, "Expired with no reply.")
		return
	}
	r.editMessage(ctx, p, fmt.Sprintf("Expired with no reply; falling back to %q.", p.SafeDefault))

	data, ok := sess.Adapter.SafeDefault(p.Type)
	if !ok {
		r.log.Error("prompt type has no safe fallback",
			"prompt", p.ShortID(), "type", p.Type)
		return
	}
	reply := types.Reply{
		ReplyID:    r.newID(),
		PromptID:   p.PromptID,
		SessionID:  p.SessionID,
		RawValue:   p.SafeDefault,
		Normalized: data,
		Source:     types.SourceExpiry,
		ReceivedAt: r.now().UnixMilli(),
	}
	if err := db.InsertReply(r.conn, reply); err != nil {
		r.log.Error("recording safe-default reply", "error", err)
		return
	}
	if err := r.enqueue(ctx, sess, p, data); err != nil {
		r.log.Error("enqueueing safe default", "prompt", p.ShortID(), "error", err)
	}
}

// ResumePending re-delivers prompts that were pending when the process
// stopped. Prompts of sessions that did not survive the restart are
// failed; the rest are re-sent and their channel message ids refreshed.
// Callers sweep expired prompts first.
func (r *Router) ResumePending(ctx context.Context) error {
	pending, err := db.ReloadPending(r.conn, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("reload pending prompts: %w", err)
	}
	for _, p := range pending {
		sess := r.session(p.SessionID)
		if sess == nil {
			r.failPrompt(ctx, p, "session_gone", "The session did not survive a restart.")
			continue
		}
		if err := r.resend(ctx, sess, p); err != nil {
			r.log.Warn("re-delivery failed", "prompt", p.ShortID(), "error", err)
		}
	}
	return nil
}

func (r *Router) resend(ctx context.Context, sess *Session, p types.PromptEvent) error {
	msgID, err := r.deliver(ctx, sess, p)
	if err != nil {
		r.append(types.EventChannelTransportFail, p.SessionID, p.PromptID, map[string]any{
			"op":    "resend_prompt",
			"error": err.Error(),
		})
		return err
	}
	if p.Status == types.StatusRouted {
		_, err := db.MarkAwaitingReply(r.conn, p.PromptID, r.ch.Name(), msgID)
		return err
	}
	return db.UpdateChannelMessage(r.conn, p.PromptID, r.ch.Name(), msgID)
}

// FailSessionPrompts settles every pending prompt of a session whose
// child is gone; their PTY can no longer take an answer.
func (r *Router) FailSessionPrompts(ctx context.Context, sessionID, reason string) error {
	pending, err := db.PendingBySession(r.conn, sessionID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		r.failPrompt(ctx, p, reason, "Session ended before a reply arrived.")
	}
	return nil
}

// supersede fails the session's older pending prompts. Prompts with an
// accepted reply are left alone; their injection is already in flight.
func (r *Router) supersede(ctx context.Context, ev types.PromptEvent) error {
	pending, err := db.PendingBySession(r.conn, ev.SessionID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.PromptID == ev.PromptID || p.Status == types.StatusReplyReceived {
			continue
		}
		r.failPrompt(ctx, p, "superseded", "Superseded by a newer prompt.")
	}
	return nil
}

func (r *Router) failPrompt(ctx context.Context, p types.PromptEvent, reason, note string) {
	n, err := db.MarkFailed(r.conn, p.PromptID, r.now().UnixMilli())
	if err != nil {
		r.log.Error("marking prompt failed", "prompt", p.ShortID(), "error", err)
		return
	}
	if n == 0 {
		return
	}
	r.append(types.EventPromptFailed, p.SessionID, p.PromptID, map[string]any{
		"reason": reason,
	})
	r.editMessage(ctx, p, note)
}

// editMessage best-effort updates a delivered channel message.
func (r *Router) editMessage(ctx context.Context, p types.PromptEvent, text string) {
	if p.ChannelMsgID == "" {
		return
	}
	if err := r.ch.EditPromptMessage(ctx, p.ChannelMsgID, text); err != nil {
		r.log.Warn("channel message edit failed", "prompt", p.ShortID(), "error", err)
	}
}

// notify is best-effort operator feedback.
func (r *Router) notify(ctx context.Context, text string) {
	if err := r.ch.Notify(ctx, text); err != nil {
		r.log.Warn("channel notify failed", "error", err)
	}
}

// append writes one audit record. Audit failures never unwind a state
// change that already happened; they are logged and swallowed.
func (r *Router) append(event, sessionID, promptID string, payload map[string]any) {
	if err := r.aud.Append(event, sessionID, promptID, payload); err != nil {
		r.log.Error("audit append failed", "event", event, "error", err)
	}
}

func sessionContext(meta types.Session) channel.SessionContext {
	return channel.SessionContext{
		SessionID: meta.SessionID,
		Tool:      meta.Tool,
		Label:     meta.Label,
		Cwd:       meta.Cwd,
	}
}

func policyResponder(rule string) string {
	if rule == "" {
		return "policy:default"
	}
	return "policy:" + rule
}

// promptKey derives the authoritative dedup key for a detection: stable
// while the same content sits unanswered, fresh once a previous prompt
// of the session settles.
func promptKey(sessionID string, cand detect.Candidate, settled int) string {
	h := sha256.New()
	io.WriteString(h, sessionID)
	h.Write([]byte{0x1f})
	io.WriteString(h, string(cand.Type))
	h.Write([]byte{0x1f})
	io.WriteString(h, cand.Excerpt)
	h.Write([]byte{0x1f})
	io.WriteString(h, strconv.Itoa(settled))
	return hex.EncodeToString(h.Sum(nil))
}

// newNonce mints the 32-hex single-use reply token.
func newNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b[:])
}

func short(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
