package funnel

import (
	"time"

	"github.com/lunabot/luna/internal/contact"
)

// transitions is the explicit funnel machine: menu → video/handoff →
// awaiting-name → idle. Idle is reachable from anywhere (close/abandon).
var transitions = map[contact.FunnelState][]contact.FunnelState{
	contact.StateIdle:           {contact.StateMenuOffered, contact.StateAwaitingName},
	contact.StateMenuOffered:    {contact.StateVideoSent, contact.StateHandoffOffered, contact.StateIdle},
	contact.StateVideoSent:      {contact.StateHandoffOffered, contact.StateIdle},
	contact.StateHandoffOffered: {contact.StateAwaitingName, contact.StateIdle},
	contact.StateAwaitingName:   {contact.StateIdle},
}

// CanTransition reports whether the machine allows moving between two states.
func CanTransition(from, to contact.FunnelState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateOpen reports whether a non-idle state is still live: the transition
// happened strictly less than window ago, matching the outbound-event window
// check in the contact store. Idle is never open.
func StateOpen(state contact.FunnelState, changedAt, now time.Time, window time.Duration) bool {
	if state == contact.StateIdle || state == "" {
		return false
	}
	return now.Sub(changedAt) < window
}
