package desktop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

func testBackend(t *testing.T) *Desktop {
	t.Helper()
	ch, err := New(channel.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch.(*Desktop)
}

func TestSendPromptRaisesNotification(t *testing.T) {
	var gotTitle, gotBody string
	orig := notify
	notify = func(title, body string, _ any) error {
		gotTitle, gotBody = title, body
		return nil
	}
	defer func() { notify = orig }()

	d := testBackend(t)
	id, err := d.SendPrompt(context.Background(), types.PromptEvent{
		Type:    types.PromptYesNo,
		Excerpt: "Do you   want\nto continue? (y/n)",
	}, channel.SessionContext{SessionID: "0123456789abcdef", Tool: "claude"})
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if id != "" {
		t.Fatalf("message id = %q, want empty", id)
	}
	if gotTitle != "claude [01234567] needs input" {
		t.Fatalf("title = %q", gotTitle)
	}
	if gotBody != "Do you want to continue? (y/n)" {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestNotificationFailureDoesNotStallRouting(t *testing.T) {
	orig := notify
	notify = func(string, string, any) error { return errors.New("no dbus") }
	defer func() { notify = orig }()

	d := testBackend(t)
	if err := d.Notify(context.Background(), "session ended"); err != nil {
		t.Fatalf("Notify surfaced a best-effort failure: %v", err)
	}
	if _, err := d.SendPrompt(context.Background(), types.PromptEvent{}, channel.SessionContext{}); err != nil {
		t.Fatalf("SendPrompt surfaced a best-effort failure: %v", err)
	}
}

func TestTruncateBody(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := truncateBody(long)
	if len(got) > notifyBodyMax+len("…") {
		t.Fatalf("body too long: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("truncated body lacks ellipsis: %q", got)
	}
}

func TestOutboundOnly(t *testing.T) {
	d := testBackend(t)
	if d.IsAllowed("anyone") {
		t.Fatal("desktop accepted an inbound identity")
	}
	if err := d.EditPromptMessage(context.Background(), "x", "y"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if h := d.Healthcheck(); h.Status != "ok" || !h.Connected {
		t.Fatalf("health = %+v", h)
	}

	select {
	case in := <-d.Replies():
		t.Fatalf("unexpected inbound %+v", in)
	case <-time.After(20 * time.Millisecond):
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, open := <-d.Replies(); open {
		t.Fatal("replies still open after Close")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
