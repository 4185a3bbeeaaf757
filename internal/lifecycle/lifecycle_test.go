package lifecycle

import (
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

func TestLegalTransitions(t *testing.T) {
	legal := []struct {
		from, to types.PromptStatus
		event    Event
	}{
		{types.StatusCreated, types.StatusRouted, EventRoute},
		{types.StatusRouted, types.StatusAwaitingReply, EventDeliver},
		{types.StatusRouted, types.StatusReplyReceived, EventDecide},
		{types.StatusAwaitingReply, types.StatusReplyReceived, EventDecide},
		{types.StatusAwaitingReply, types.StatusExpired, EventExpire},
		{types.StatusAwaitingReply, types.StatusCanceled, EventCancel},
		{types.StatusReplyReceived, types.StatusInjected, EventInject},
		{types.StatusInjected, types.StatusResolved, EventSettle},
		{types.StatusExpired, types.StatusResolved, EventDefaultInject},
		{types.StatusReplyReceived, types.StatusFailed, EventFail},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s legal", tc.from, tc.to)
		}
		ev, ok := EventFor(tc.from, tc.to)
		if !ok || ev != tc.event {
			t.Errorf("EventFor(%s, %s) = %q, want %q", tc.from, tc.to, ev, tc.event)
		}
		if err := Validate(tc.from, tc.to); err != nil {
			t.Errorf("Validate(%s, %s): %v", tc.from, tc.to, err)
		}
	}
}

func TestIllegalTransitions(t *testing.T) {
	illegal := [][2]types.PromptStatus{
		{types.StatusCreated, types.StatusAwaitingReply},
		{types.StatusCreated, types.StatusReplyReceived},
		{types.StatusCreated, types.StatusResolved},
		{types.StatusResolved, types.StatusRouted},
		{types.StatusCanceled, types.StatusReplyReceived},
		{types.StatusFailed, types.StatusRouted},
		{types.StatusInjected, types.StatusReplyReceived},
		{types.StatusExpired, types.StatusReplyReceived},
		{types.StatusAwaitingReply, types.StatusInjected},
		{types.StatusRouted, types.StatusResolved},
	}
	for _, tc := range illegal {
		if CanTransition(tc[0], tc[1]) {
			t.Errorf("expected %s -> %s illegal", tc[0], tc[1])
		}
		if err := Validate(tc[0], tc[1]); err == nil {
			t.Errorf("Validate(%s, %s): expected error", tc[0], tc[1])
		}
	}
}

func TestTerminalAndSettled(t *testing.T) {
	for _, s := range []types.PromptStatus{types.StatusResolved, types.StatusCanceled, types.StatusFailed} {
		if !Terminal(s) {
			t.Errorf("expected %s terminal", s)
		}
		if !Settled(s) {
			t.Errorf("expected %s settled", s)
		}
	}
	if Terminal(types.StatusExpired) {
		t.Error("expired must keep its default-injection edge")
	}
	if !Settled(types.StatusExpired) {
		t.Error("expired counts as a settled outcome")
	}
	for _, s := range []types.PromptStatus{types.StatusCreated, types.StatusRouted, types.StatusAwaitingReply, types.StatusReplyReceived, types.StatusInjected} {
		if Terminal(s) || Settled(s) {
			t.Errorf("%s is neither terminal nor settled", s)
		}
	}
}

func TestPending(t *testing.T) {
	if !Pending(types.StatusRouted) || !Pending(types.StatusAwaitingReply) {
		t.Error("routed and awaiting_reply are pending")
	}
	if Pending(types.StatusCreated) || Pending(types.StatusReplyReceived) {
		t.Error("created and reply_received are not pending")
	}
}

func TestDecideTargets(t *testing.T) {
	for _, s := range DecideTargets {
		if !ValidDecideTarget(s) {
			t.Errorf("%s should be a decide target", s)
		}
	}
	if ValidDecideTarget(types.StatusResolved) {
		t.Error("resolved is never a decide target")
	}
	if ValidDecideTarget(types.StatusInjected) {
		t.Error("injected is set by the injector, not by decide")
	}
}
