// Package adapter maps hook statuses onto session phases.
package adapter

import (
	"strings"

	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/wire"
)

type NormalizedState struct {
	Phase  model.SessionPhase
	Reason string
}

// Normalize maps an event kind and hook status to a phase. ok is false when
// the event carries no phase information and the previous phase should be
// kept.
func Normalize(kind, status string) (NormalizedState, bool) {
	if kind == wire.KindSessionEnd {
		return NormalizedState{Phase: model.PhaseEnded, Reason: "session_end"}, true
	}
	switch strings.TrimSpace(status) {
	case wire.StatusWaitingForApproval:
		return NormalizedState{Phase: model.PhaseWaitingApproval, Reason: "approval_requested"}, true
	case wire.StatusWaitingForInput:
		return NormalizedState{Phase: model.PhaseWaitingInput, Reason: "input_required"}, true
	case wire.StatusRunningTool:
		return NormalizedState{Phase: model.PhaseRunning, Reason: "tool_running"}, true
	case wire.StatusProcessing, wire.StatusStarting:
		return NormalizedState{Phase: model.PhaseRunning, Reason: "active"}, true
	case wire.StatusCompacting:
		return NormalizedState{Phase: model.PhaseCompacting, Reason: "compacting"}, true
	case wire.StatusEnded:
		return NormalizedState{Phase: model.PhaseEnded, Reason: "session_end"}, true
	default:
		return NormalizedState{}, false
	}
}

// NeedsUser reports whether the phase is waiting on the human.
func NeedsUser(phase model.SessionPhase) bool {
	return phase == model.PhaseWaitingApproval || phase == model.PhaseWaitingInput
}
