// Package telegram relays prompts over the Telegram Bot API: long-polled
// updates in, inline-keyboard prompt messages out.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Name is the registry key of this backend.
const Name = "telegram"

const (
	pollTimeoutSeconds = 30
	sendAttempts       = 3
	maxRetryAfter      = 30 * time.Second
	replyBuffer        = 64
)

// botAPI is the slice of *tgbotapi.BotAPI the backend uses; tests swap in
// a fake.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is a channel backend bound to one bot token and one chat.
type Telegram struct {
	token      string
	chatID     int64
	allowIDs   map[int64]struct{}
	allowNames map[string]struct{}
	log        *slog.Logger

	bot       botAPI
	limiter   *channel.Limiter
	breaker   *channel.Breaker
	replies   chan channel.Inbound
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	connected atomic.Bool
}

// New builds the backend from channel config. The bot token and chat id
// are required; the allowlist may hold numeric user ids or usernames.
func New(cfg channel.Config, logger *slog.Logger) (channel.Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BotToken == "" {
		return nil, types.Errorf(types.KindConfig, "telegram: bot_token is required")
	}
	if cfg.ChatID == "" {
		return nil, types.Errorf(types.KindConfig, "telegram: chat_id is required")
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, types.Errorf(types.KindConfig, "telegram: chat_id %q is not numeric", cfg.ChatID)
	}

	t := &Telegram{
		token:      cfg.BotToken,
		chatID:     chatID,
		allowIDs:   make(map[int64]struct{}),
		allowNames: make(map[string]struct{}),
		log:        logger.With("channel", Name),
		limiter:    channel.NewLimiter(channel.DefaultSendRate, channel.DefaultSendBurst, channel.DefaultMaxConcurrent),
		breaker:    channel.NewBreaker(),
		replies:    make(chan channel.Inbound, replyBuffer),
		stop:       make(chan struct{}),
	}
	for _, entry := range cfg.AllowedUsers {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if id, err := strconv.ParseInt(entry, 10, 64); err == nil {
			t.allowIDs[id] = struct{}{}
			continue
		}
		t.allowNames[strings.ToLower(strings.TrimPrefix(entry, "@"))] = struct{}{}
	}
	if len(t.allowIDs) == 0 && len(t.allowNames) == 0 {
		t.log.Warn("allowlist is empty; no inbound replies will be accepted")
	}
	return t, nil
}

// Name identifies the backend.
func (t *Telegram) Name() string { return Name }

// Start connects to the Bot API and begins long-polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	if t.bot == nil {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			return types.NewError(types.KindTransient, fmt.Errorf("telegram connect: %w", err))
		}
		t.bot = bot
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := t.bot.GetUpdatesChan(cfg)
	t.connected.Store(true)
	t.log.Info("connected", "chat_id", t.chatID)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.connected.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(upd)
			}
		}
	}()
	return nil
}

// Close stops polling and closes the reply stream.
func (t *Telegram) Close() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.bot != nil {
			t.bot.StopReceivingUpdates()
		}
		t.wg.Wait()
		close(t.replies)
	})
	return nil
}

// Replies streams decoded button presses and free-text messages.
func (t *Telegram) Replies() <-chan channel.Inbound { return t.replies }

// IsAllowed matches a numeric id or username against the allowlist.
func (t *Telegram) IsAllowed(identity string) bool {
	if id, err := strconv.ParseInt(identity, 10, 64); err == nil {
		if _, ok := t.allowIDs[id]; ok {
			return true
		}
	}
	_, ok := t.allowNames[strings.ToLower(strings.TrimPrefix(identity, "@"))]
	return ok
}

// Healthcheck reports polling state and the circuit.
func (t *Telegram) Healthcheck() channel.Health {
	h := channel.Health{
		Connected:    t.connected.Load(),
		CircuitState: t.breaker.State(),
	}
	if h.Connected && h.CircuitState == channel.BreakerClosed {
		h.Status = "ok"
	} else {
		h.Status = "degraded"
	}
	return h
}

// SendPrompt renders the prompt with its inline keyboard and returns the
// sent message id.
func (t *Telegram) SendPrompt(ctx context.Context, ev types.PromptEvent, sess channel.SessionContext) (string, error) {
	msg := tgbotapi.NewMessage(t.chatID, promptBody(ev, sess))
	if kb := promptKeyboard(ev); kb != nil {
		msg.ReplyMarkup = *kb
	}
	sent, err := t.send(ctx, msg)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditPromptMessage rewrites a sent prompt message. Telegram drops the
// inline keyboard when the edit carries no markup, which is exactly what
// a decided prompt needs.
func (t *Telegram) EditPromptMessage(ctx context.Context, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: message id %q: %w", messageID, err)
	}
	_, err = t.send(ctx, tgbotapi.NewEditMessageText(t.chatID, id, text))
	return err
}

// Notify sends a plain out-of-band message to the chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	_, err := t.send(ctx, tgbotapi.NewMessage(t.chatID, text))
	return err
}

// send pushes one API call through the breaker, the limiter, and the
// retry-after loop.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if !t.breaker.Allow() {
		return tgbotapi.Message{}, types.NewError(types.KindTransient, channel.ErrBreakerOpen)
	}
	release, err := t.limiter.Acquire(ctx, strconv.FormatInt(t.chatID, 10))
	if err != nil {
		return tgbotapi.Message{}, err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		sent, err := t.bot.Send(c)
		if err == nil {
			t.breaker.Success()
			return sent, nil
		}
		lastErr = err
		wait, throttled := retryAfter(err)
		if !throttled {
			break
		}
		// Server-side throttling is pacing, not an outage; honour it
		// without charging the breaker.
		t.log.Warn("telegram throttled", "retry_after", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		}
	}
	t.breaker.Failure()
	return tgbotapi.Message{}, types.NewError(types.KindTransient, fmt.Errorf("telegram send: %w", lastErr))
}

func retryAfter(err error) (time.Duration, bool) {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		wait := time.Duration(tgErr.RetryAfter) * time.Second
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		return wait, true
	}
	return 0, false
}

func (t *Telegram) handleUpdate(upd tgbotapi.Update) {
	switch {
	case upd.CallbackQuery != nil:
		t.handleCallback(upd.CallbackQuery)
	case upd.Message != nil:
		t.handleMessage(upd.Message)
	}
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.From == nil || !t.allowedUser(cq.From) {
		t.log.Warn("callback from unlisted user dropped", "user_id", userID(cq.From))
		return
	}
	// Ack immediately so the client stops its spinner, valid or not.
	if _, err := t.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		t.log.Warn("callback ack failed", "error", err)
	}

	in := channel.Inbound{
		Channel:    Name,
		Responder:  identityOf(cq.From),
		ReceivedAt: time.Now(),
	}
	if cq.Message != nil {
		in.MessageID = strconv.Itoa(cq.Message.MessageID)
	}
	cb, err := channel.DecodeCallback(cq.Data)
	if err != nil {
		in.Malformed = cq.Data
	} else {
		in.ShortPrompt = cb.ShortPrompt
		in.NoncePrefix = cb.NoncePrefix
		in.Value = cb.Value
	}
	t.deliver(in)
}

func (t *Telegram) handleMessage(msg *tgbotapi.Message) {
	if msg.Chat == nil || msg.Chat.ID != t.chatID {
		return
	}
	if msg.From == nil || !t.allowedUser(msg.From) {
		t.log.Warn("message from unlisted user dropped", "user_id", userID(msg.From))
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	in := channel.Inbound{
		Channel:    Name,
		Text:       msg.Text,
		Responder:  identityOf(msg.From),
		ReceivedAt: time.Now(),
	}
	if msg.ReplyToMessage != nil {
		in.MessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	t.deliver(in)
}

// deliver hands an item to the router without blocking the poll loop.
func (t *Telegram) deliver(in channel.Inbound) {
	select {
	case t.replies <- in:
	default:
		t.log.Warn("reply queue full, dropping inbound item", "responder", in.Responder)
	}
}

func (t *Telegram) allowedUser(u *tgbotapi.User) bool {
	if u == nil {
		return false
	}
	if _, ok := t.allowIDs[u.ID]; ok {
		return true
	}
	if u.UserName == "" {
		return false
	}
	_, ok := t.allowNames[strings.ToLower(u.UserName)]
	return ok
}

// identityOf prefers the username for audit readability, falling back to
// the numeric id.
func identityOf(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

func userID(u *tgbotapi.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}
