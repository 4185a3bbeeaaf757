package slack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

type fakeAPI struct {
	mu       sync.Mutex
	posts    int
	updates  int
	sendErrs []error
}

func (f *fakeAPI) PostMessageContext(context.Context, string, ...goslack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	f.posts++
	return "C42", "1724601600.000100", nil
}

func (f *fakeAPI) UpdateMessageContext(context.Context, string, string, ...goslack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return "C42", "1724601600.000100", "", nil
}

func (f *fakeAPI) AuthTestContext(context.Context) (*goslack.AuthTestResponse, error) {
	return &goslack.AuthTestResponse{}, nil
}

func (f *fakeAPI) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts
}

type fakeAcker struct {
	mu   sync.Mutex
	acks int
}

func (f *fakeAcker) Ack(socketmode.Request, ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
}

func testBackend(t *testing.T, api *fakeAPI) *Slack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch, err := New(channel.Config{
		BotToken:     "xoxb-test",
		AppToken:     "xapp-test",
		ChatID:       "C42",
		AllowedUsers: []string{"U123", "alice"},
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := ch.(*Slack)
	s.api = api
	return s
}

func testEvent(pt types.PromptType) types.PromptEvent {
	return types.PromptEvent{
		PromptID:    "a1b2c3d4e5f6a7b8c9d0a1b2c3d4e5f6",
		SessionID:   "0123456789abcdef0123456789abcdef",
		Type:        pt,
		Confidence:  types.ConfidenceHigh,
		Excerpt:     "Do you want to continue? (y/n)",
		Nonce:       "fedcba9876543210fedcba9876543210",
		ExpiresAt:   time.Now().Add(5 * time.Minute).UnixMilli(),
		SafeDefault: "n",
	}
}

func actionButtons(t *testing.T, blocks []goslack.Block) []*goslack.ButtonBlockElement {
	t.Helper()
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want section + actions", len(blocks))
	}
	ab, ok := blocks[1].(*goslack.ActionBlock)
	if !ok {
		t.Fatalf("second block is %T", blocks[1])
	}
	var buttons []*goslack.ButtonBlockElement
	for _, el := range ab.Elements.ElementSet {
		btn, ok := el.(*goslack.ButtonBlockElement)
		if !ok {
			t.Fatalf("element is %T", el)
		}
		buttons = append(buttons, btn)
	}
	return buttons
}

func buttonValue(t *testing.T, btn *goslack.ButtonBlockElement) string {
	t.Helper()
	cb, err := channel.DecodeCallback(btn.Value)
	if err != nil {
		t.Fatalf("decode %q: %v", btn.Value, err)
	}
	return cb.Value
}

func TestBlocksYesNo(t *testing.T) {
	ev := testEvent(types.PromptYesNo)
	blocks := promptBlocks(ev, promptBody(ev, channel.SessionContext{SessionID: ev.SessionID, Tool: "claude"}))
	buttons := actionButtons(t, blocks)
	if len(buttons) != 3 {
		t.Fatalf("buttons = %d, want 3", len(buttons))
	}
	wants := []struct{ label, value string }{
		{"Yes", "y"},
		{"No", "n"},
		{"Use default (n)", channel.ValueDefault},
	}
	for i, want := range wants {
		if buttons[i].Text.Text != want.label {
			t.Fatalf("button %d label = %q, want %q", i, buttons[i].Text.Text, want.label)
		}
		if got := buttonValue(t, buttons[i]); got != want.value {
			t.Fatalf("button %d value = %q, want %q", i, got, want.value)
		}
	}
}

func TestBlocksPerPromptType(t *testing.T) {
	ev := testEvent(types.PromptConfirmEnter)
	ev.SafeDefault = ""
	buttons := actionButtons(t, promptBlocks(ev, "body"))
	if len(buttons) != 1 || buttonValue(t, buttons[0]) != channel.ValueEnter {
		t.Fatalf("confirm_enter buttons = %+v", buttons)
	}

	ev = testEvent(types.PromptMultipleChoice)
	ev.SafeDefault = ""
	ev.Choices = []types.Choice{{Key: "1", Label: "Yes"}, {Key: "2", Label: "No"}}
	buttons = actionButtons(t, promptBlocks(ev, "body"))
	if len(buttons) != 2 || buttonValue(t, buttons[0]) != "1" || buttonValue(t, buttons[1]) != "2" {
		t.Fatalf("multiple_choice buttons = %+v", buttons)
	}

	ev = testEvent(types.PromptFreeText)
	ev.SafeDefault = ""
	blocks := promptBlocks(ev, "body")
	if len(blocks) != 1 {
		t.Fatalf("free_text blocks = %d, want section only", len(blocks))
	}
	body := promptBody(ev, channel.SessionContext{SessionID: ev.SessionID, Tool: "claude"})
	if !strings.Contains(body, "Reply in this thread") {
		t.Fatalf("free_text body lacks instruction:\n%s", body)
	}

	ev = testEvent(types.PromptUnknown)
	buttons = actionButtons(t, promptBlocks(ev, "body"))
	wants := []string{channel.ValueEnter, channel.ValueShow, channel.ValueCancel}
	if len(buttons) != len(wants) {
		t.Fatalf("unknown buttons = %d", len(buttons))
	}
	for i, want := range wants {
		if got := buttonValue(t, buttons[i]); got != want {
			t.Fatalf("unknown button %d = %q, want %q", i, got, want)
		}
	}
}

func TestTruncateForSlack(t *testing.T) {
	if got := truncateForSlack("short"); got != "short" {
		t.Fatalf("short text changed: %q", got)
	}
	long := strings.Repeat("x", maxBlockTextLength+100)
	got := truncateForSlack(long)
	if !strings.HasSuffix(got, "_... (truncated)_") {
		t.Fatalf("truncated text lacks marker: %q", got[len(got)-40:])
	}
}

func TestInteractionFlowsToReplies(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	ack := &fakeAcker{}
	ev := testEvent(types.PromptYesNo)

	s.handleEvent(socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Request: &socketmode.Request{},
		Data: goslack.InteractionCallback{
			Type: goslack.InteractionTypeBlockActions,
			User: goslack.User{ID: "U123", Name: "alice"},
			Message: goslack.Message{
				Msg: goslack.Msg{Timestamp: "1724601600.000100"},
			},
			ActionCallback: goslack.ActionCallbacks{
				BlockActions: []*goslack.BlockAction{
					{ActionID: "ans_y", Value: channel.EncodeCallback(ev, "y")},
				},
			},
		},
	}, ack)

	in := <-s.Replies()
	if in.ShortPrompt != "a1b2c3d4" || in.Value != "y" || in.Responder != "alice" {
		t.Fatalf("inbound = %+v", in)
	}
	if in.MessageID != "1724601600.000100" {
		t.Fatalf("message id = %q", in.MessageID)
	}
	if ack.acks != 1 {
		t.Fatalf("acks = %d, want 1", ack.acks)
	}
}

func TestMalformedInteractionValueSurfaced(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	s.handleEvent(socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Request: &socketmode.Request{},
		Data: goslack.InteractionCallback{
			Type: goslack.InteractionTypeBlockActions,
			User: goslack.User{ID: "U123"},
			ActionCallback: goslack.ActionCallbacks{
				BlockActions: []*goslack.BlockAction{{Value: "garbage"}},
			},
		},
	}, &fakeAcker{})

	in := <-s.Replies()
	if in.Malformed != "garbage" || in.IsCallback() {
		t.Fatalf("inbound = %+v", in)
	}
}

func TestThreadReplyFlowsToReplies(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	s.handleEvent(socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{},
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{
					User:            "U123",
					Channel:         "C42",
					Text:            "sk-test-value",
					TimeStamp:       "1724601700.000200",
					ThreadTimeStamp: "1724601600.000100",
				},
			},
		},
	}, &fakeAcker{})

	in := <-s.Replies()
	if in.Text != "sk-test-value" || in.MessageID != "1724601600.000100" || in.Responder != "U123" {
		t.Fatalf("inbound = %+v", in)
	}
}

func TestDroppedMessages(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	events := []*slackevents.MessageEvent{
		{User: "U999", Channel: "C42", Text: "unlisted"},
		{User: "U123", Channel: "C99", Text: "wrong channel"},
		{User: "U123", Channel: "C42", Text: "bot echo", BotID: "B1"},
		{User: "U123", Channel: "C42", Text: "edit", SubType: "message_changed"},
		{User: "U123", Channel: "C42", Text: "   "},
	}
	for _, msg := range events {
		s.handleEvent(socketmode.Event{
			Type: socketmode.EventTypeEventsAPI,
			Data: slackevents.EventsAPIEvent{
				Type:       slackevents.CallbackEvent,
				InnerEvent: slackevents.EventsAPIInnerEvent{Data: msg},
			},
		}, &fakeAcker{})
	}
	select {
	case in := <-s.Replies():
		t.Fatalf("unexpected inbound %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendPromptReturnsTimestamp(t *testing.T) {
	api := &fakeAPI{}
	s := testBackend(t, api)
	ts, err := s.SendPrompt(context.Background(), testEvent(types.PromptYesNo), channel.SessionContext{
		SessionID: "0123456789abcdef", Tool: "claude",
	})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if ts != "1724601600.000100" {
		t.Fatalf("ts = %q", ts)
	}
	if api.postCount() != 1 {
		t.Fatalf("posts = %d", api.postCount())
	}
	if err := s.EditPromptMessage(context.Background(), ts, "answered: y"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if api.updates != 1 {
		t.Fatalf("updates = %d", api.updates)
	}
}

func TestBreakerFailsFastAfterRepeatedSendErrors(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	s := testBackend(t, api)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, "x"); err == nil {
			t.Fatalf("send %d succeeded unexpectedly", i)
		}
	}
	err := s.Notify(ctx, "x")
	if !errors.Is(err, channel.ErrBreakerOpen) {
		t.Fatalf("open-circuit send error = %v", err)
	}
	if api.postCount() != 0 {
		t.Fatalf("sends reached the API while open: %d", api.postCount())
	}
}

func TestRetryAfterExtraction(t *testing.T) {
	if _, ok := retryAfter(errors.New("plain")); ok {
		t.Fatal("plain error treated as throttle")
	}
	wait, ok := retryAfter(&goslack.RateLimitedError{RetryAfter: 2 * time.Second})
	if !ok || wait != 2*time.Second {
		t.Fatalf("retryAfter = %v, %v", wait, ok)
	}
	wait, ok = retryAfter(&goslack.RateLimitedError{RetryAfter: 10 * time.Minute})
	if !ok || wait != maxRetryAfter {
		t.Fatalf("cap = %v, %v", wait, ok)
	}
}

func TestConfigValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []channel.Config{
		{AppToken: "xapp", ChatID: "C42"},
		{BotToken: "xoxb", ChatID: "C42"},
		{BotToken: "xoxb", AppToken: "xapp"},
	}
	for i, cfg := range cases {
		if _, err := New(cfg, logger); types.KindOf(err) != types.KindConfig {
			t.Fatalf("case %d error = %v", i, err)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	for identity, want := range map[string]bool{
		"U123":   true,
		"u123":   true,
		"alice":  true,
		"@Alice": true,
		"U999":   false,
		"":       false,
	} {
		if got := s.IsAllowed(identity); got != want {
			t.Fatalf("IsAllowed(%q) = %v, want %v", identity, got, want)
		}
	}
}

func TestCloseWithoutStart(t *testing.T) {
	s := testBackend(t, &fakeAPI{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, open := <-s.Replies(); open {
		t.Fatal("replies still open after Close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
