// Package lifecycle defines the prompt state machine. Every status change
// elsewhere in the system must correspond to an edge declared here, and the
// store enforces the edges again as conditional updates so that concurrent
// writers cannot race a prompt into an illegal state.
package lifecycle

import (
	"fmt"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Event names a legal transition trigger.
type Event string

const (
	EventRoute         Event = "route"
	EventDeliver       Event = "deliver"
	EventDecide        Event = "decide"
	EventInject        Event = "inject"
	EventSettle        Event = "settle"
	EventExpire        Event = "expire"
	EventCancel        Event = "cancel"
	EventDefaultInject Event = "default_inject"
	EventFail          Event = "fail"
)

type edge struct {
	from types.PromptStatus
	to   types.PromptStatus
}

var transitions = map[edge]Event{
	{types.StatusCreated, types.StatusRouted}:        EventRoute,
	{types.StatusCreated, types.StatusFailed}:        EventFail,
	{types.StatusRouted, types.StatusAwaitingReply}:  EventDeliver,
	{types.StatusRouted, types.StatusReplyReceived}:  EventDecide,
	{types.StatusRouted, types.StatusExpired}:        EventExpire,
	{types.StatusRouted, types.StatusCanceled}:       EventCancel,
	{types.StatusRouted, types.StatusFailed}:         EventFail,
	{types.StatusAwaitingReply, types.StatusReplyReceived}: EventDecide,
	{types.StatusAwaitingReply, types.StatusExpired}:       EventExpire,
	{types.StatusAwaitingReply, types.StatusCanceled}:      EventCancel,
	{types.StatusAwaitingReply, types.StatusFailed}:        EventFail,
	{types.StatusReplyReceived, types.StatusInjected}: EventInject,
	{types.StatusReplyReceived, types.StatusFailed}:   EventFail,
	{types.StatusInjected, types.StatusResolved}: EventSettle,
	{types.StatusExpired, types.StatusResolved}:  EventDefaultInject,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to types.PromptStatus) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// EventFor returns the event name of the from → to edge.
func EventFor(from, to types.PromptStatus) (Event, bool) {
	ev, ok := transitions[edge{from, to}]
	return ev, ok
}

// Validate returns a descriptive error when from → to is not a legal edge.
func Validate(from, to types.PromptStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal prompt transition %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether s has no outgoing edges.
func Terminal(s types.PromptStatus) bool {
	switch s {
	case types.StatusResolved, types.StatusCanceled, types.StatusFailed:
		return true
	}
	return false
}

// Settled reports whether s is a final outcome for accounting purposes.
// expired is settled even though a safe-default injection may still move
// it to resolved.
func Settled(s types.PromptStatus) bool {
	return Terminal(s) || s == types.StatusExpired
}

// Pending reports whether a prompt in s still accepts a reply.
func Pending(s types.PromptStatus) bool {
	return s == types.StatusRouted || s == types.StatusAwaitingReply
}

// DecideTargets lists the statuses a guarded decide update may set.
var DecideTargets = []types.PromptStatus{
	types.StatusReplyReceived,
	types.StatusCanceled,
	types.StatusExpired,
}

// ValidDecideTarget reports whether s may be the result of a decide update.
func ValidDecideTarget(s types.PromptStatus) bool {
	for _, t := range DecideTargets {
		if s == t {
			return true
		}
	}
	return false
}
