package hookclient

import (
	"encoding/json"

	"github.com/g960059/islandd/internal/wire"
)

const DefaultDenyMessage = "Denied by user via ClaudeIsland"

type hookOutput struct {
	HookSpecificOutput permissionOutput `json:"hookSpecificOutput"`
}

type permissionOutput struct {
	HookEventName string         `json:"hookEventName"`
	Decision      behaviorOutput `json:"decision"`
}

type behaviorOutput struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// RenderDecision builds the PermissionRequest hook output for resp. ok is
// false for ask and for no response, leaving Claude Code to show its own
// prompt.
func RenderDecision(resp *wire.Response) ([]byte, bool) {
	if resp == nil {
		return nil, false
	}
	var out hookOutput
	out.HookSpecificOutput.HookEventName = wire.KindPermissionRequest
	switch resp.Decision {
	case wire.DecisionAllow:
		out.HookSpecificOutput.Decision = behaviorOutput{Behavior: "allow"}
	case wire.DecisionDeny:
		msg := resp.ReasonValue()
		if msg == "" {
			msg = DefaultDenyMessage
		}
		out.HookSpecificOutput.Decision = behaviorOutput{Behavior: "deny", Message: msg}
	default:
		return nil, false
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	return data, true
}
