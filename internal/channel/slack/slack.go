// Package slack relays prompts over Slack Socket Mode: interaction
// callbacks and message events in, Block Kit prompt messages out.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Name is the registry key of this backend.
const Name = "slack"

const (
	sendAttempts  = 3
	maxRetryAfter = 30 * time.Second
	replyBuffer   = 64
)

// slackAPI is the slice of *goslack.Client the backend uses; tests swap
// in a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...goslack.MsgOption) (string, string, string, error)
	AuthTestContext(ctx context.Context) (*goslack.AuthTestResponse, error)
}

// acker acknowledges socket-mode envelopes; satisfied by
// *socketmode.Client.
type acker interface {
	Ack(req socketmode.Request, payload ...interface{})
}

// Slack is a channel backend bound to one workspace channel.
type Slack struct {
	botToken  string
	appToken  string
	channelID string
	allow     map[string]struct{}
	log       *slog.Logger

	api       slackAPI
	sock      *socketmode.Client
	cancel    context.CancelFunc
	limiter   *channel.Limiter
	breaker   *channel.Breaker
	replies   chan channel.Inbound
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connected atomic.Bool
}

// New builds the backend from channel config. Socket Mode needs both the
// bot token (xoxb-) and the app-level token (xapp-); the allowlist holds
// Slack user ids or display names.
func New(cfg channel.Config, logger *slog.Logger) (channel.Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BotToken == "" {
		return nil, types.Errorf(types.KindConfig, "slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, types.Errorf(types.KindConfig, "slack: app_token is required")
	}
	if cfg.ChatID == "" {
		return nil, types.Errorf(types.KindConfig, "slack: channel_id is required")
	}

	s := &Slack{
		botToken:  cfg.BotToken,
		appToken:  cfg.AppToken,
		channelID: cfg.ChatID,
		allow:     make(map[string]struct{}),
		log:       logger.With("channel", Name),
		limiter:   channel.NewLimiter(channel.DefaultSendRate, channel.DefaultSendBurst, channel.DefaultMaxConcurrent),
		breaker:   channel.NewBreaker(),
		replies:   make(chan channel.Inbound, replyBuffer),
		stop:      make(chan struct{}),
	}
	for _, entry := range cfg.AllowedUsers {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		s.allow[strings.ToLower(strings.TrimPrefix(entry, "@"))] = struct{}{}
	}
	if len(s.allow) == 0 {
		s.log.Warn("allowlist is empty; no inbound replies will be accepted")
	}
	return s, nil
}

// Name identifies the backend.
func (s *Slack) Name() string { return Name }

// Start verifies the token, opens the socket-mode connection, and begins
// consuming events.
func (s *Slack) Start(ctx context.Context) error {
	if s.api == nil {
		api := goslack.New(s.botToken, goslack.OptionAppLevelToken(s.appToken))
		if _, err := api.AuthTestContext(ctx); err != nil {
			return types.NewError(types.KindTransient, fmt.Errorf("slack auth test: %w", err))
		}
		s.api = api
		s.sock = socketmode.New(api)

		// RunContext only returns on cancellation, so Close needs its
		// own handle; socketmode has no Stop.
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.sock.RunContext(runCtx); err != nil && runCtx.Err() == nil {
				s.log.Error("socket mode stopped", "error", err)
			}
		}()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.consume(runCtx, s.sock.Events, s.sock)
		}()
	}
	s.connected.Store(true)
	s.log.Info("connected", "channel_id", s.channelID)
	return nil
}

// Close stops the socket, the consumer, and the reply stream.
func (s *Slack) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.connected.Store(false)
		close(s.replies)
	})
	return nil
}

// Replies streams decoded button presses and thread replies.
func (s *Slack) Replies() <-chan channel.Inbound { return s.replies }

// IsAllowed matches a user id or display name against the allowlist.
func (s *Slack) IsAllowed(identity string) bool {
	_, ok := s.allow[strings.ToLower(strings.TrimPrefix(identity, "@"))]
	return ok
}

// Healthcheck reports socket state and the circuit.
func (s *Slack) Healthcheck() channel.Health {
	h := channel.Health{
		Connected:    s.connected.Load(),
		CircuitState: s.breaker.State(),
	}
	if h.Connected && h.CircuitState == channel.BreakerClosed {
		h.Status = "ok"
	} else {
		h.Status = "degraded"
	}
	return h
}

// SendPrompt posts the prompt as Block Kit and returns the message
// timestamp, Slack's message id.
func (s *Slack) SendPrompt(ctx context.Context, ev types.PromptEvent, sess channel.SessionContext) (string, error) {
	body := promptBody(ev, sess)
	blocks := promptBlocks(ev, body)
	ts, err := s.send(ctx, func(c context.Context) (string, error) {
		_, ts, err := s.api.PostMessageContext(c, s.channelID,
			goslack.MsgOptionText(body, false),
			goslack.MsgOptionBlocks(blocks...),
		)
		return ts, err
	})
	if err != nil {
		return "", err
	}
	return ts, nil
}

// EditPromptMessage replaces a sent prompt wholesale. The replacement
// carries a single section block, which removes the buttons.
func (s *Slack) EditPromptMessage(ctx context.Context, messageID, text string) error {
	_, err := s.send(ctx, func(c context.Context) (string, error) {
		_, ts, _, err := s.api.UpdateMessageContext(c, s.channelID, messageID,
			goslack.MsgOptionText(text, false),
			goslack.MsgOptionBlocks(sectionBlock(text)),
		)
		return ts, err
	})
	return err
}

// Notify posts a plain message to the channel.
func (s *Slack) Notify(ctx context.Context, text string) error {
	_, err := s.send(ctx, func(c context.Context) (string, error) {
		_, ts, err := s.api.PostMessageContext(c, s.channelID,
			goslack.MsgOptionText(text, false),
		)
		return ts, err
	})
	return err
}

// send pushes one API call through the breaker, the limiter, and the
// rate-limited retry loop.
func (s *Slack) send(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	if !s.breaker.Allow() {
		return "", types.NewError(types.KindTransient, channel.ErrBreakerOpen)
	}
	release, err := s.limiter.Acquire(ctx, s.channelID)
	if err != nil {
		return "", err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		ts, err := call(ctx)
		if err == nil {
			s.breaker.Success()
			return ts, nil
		}
		lastErr = err
		wait, throttled := retryAfter(err)
		if !throttled {
			break
		}
		s.log.Warn("slack throttled", "retry_after", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	s.breaker.Failure()
	return "", types.NewError(types.KindTransient, fmt.Errorf("slack send: %w", lastErr))
}

func retryAfter(err error) (time.Duration, bool) {
	var rle *goslack.RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		wait := rle.RetryAfter
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		return wait, true
	}
	return 0, false
}

// consume drains socket-mode envelopes until stopped. Split out from
// Start so tests can drive it with a fabricated event stream.
func (s *Slack) consume(ctx context.Context, events <-chan socketmode.Event, ack acker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(evt, ack)
		}
	}
}

func (s *Slack) handleEvent(evt socketmode.Event, ack acker) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		s.connected.Store(true)
	case socketmode.EventTypeDisconnect:
		s.connected.Store(false)
	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(goslack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			ack.Ack(*evt.Request)
		}
		s.handleInteraction(cb)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			ack.Ack(*evt.Request)
		}
		s.handleEventsAPI(apiEvent)
	}
}

func (s *Slack) handleInteraction(cb goslack.InteractionCallback) {
	if cb.Type != goslack.InteractionTypeBlockActions {
		return
	}
	if !s.allowedUser(cb.User.ID, cb.User.Name) {
		s.log.Warn("interaction from unlisted user dropped", "user_id", cb.User.ID)
		return
	}
	for _, action := range cb.ActionCallback.BlockActions {
		in := channel.Inbound{
			Channel:    Name,
			Responder:  identityOf(cb.User.ID, cb.User.Name),
			MessageID:  cb.Message.Timestamp,
			ReceivedAt: time.Now(),
		}
		decoded, err := channel.DecodeCallback(action.Value)
		if err != nil {
			in.Malformed = action.Value
		} else {
			in.ShortPrompt = decoded.ShortPrompt
			in.NoncePrefix = decoded.NoncePrefix
			in.Value = decoded.Value
		}
		s.deliver(in)
	}
}

func (s *Slack) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Bot echoes and edits carry a subtype; only fresh human messages
	// count as replies.
	if msg.BotID != "" || msg.SubType != "" {
		return
	}
	if msg.Channel != s.channelID {
		return
	}
	if !s.allowedUser(msg.User, "") {
		s.log.Warn("message from unlisted user dropped", "user_id", msg.User)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	in := channel.Inbound{
		Channel:    Name,
		Text:       msg.Text,
		Responder:  msg.User,
		MessageID:  msg.ThreadTimeStamp,
		ReceivedAt: time.Now(),
	}
	s.deliver(in)
}

// deliver hands an item to the router without blocking the socket loop.
func (s *Slack) deliver(in channel.Inbound) {
	select {
	case s.replies <- in:
	default:
		s.log.Warn("reply queue full, dropping inbound item", "responder", in.Responder)
	}
}

func (s *Slack) allowedUser(id, name string) bool {
	if id != "" {
		if _, ok := s.allow[strings.ToLower(id)]; ok {
			return true
		}
	}
	if name != "" {
		if _, ok := s.allow[strings.ToLower(name)]; ok {
			return true
		}
	}
	return false
}

func identityOf(id, name string) string {
	if name != "" {
		return name
	}
	return id
}
