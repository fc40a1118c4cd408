// Package hookclient is the program Claude Code runs for every hook event.
// It forwards the event to islandd and, for permission requests, waits for
// the decision and prints it in the hook output format.
package hookclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/g960059/islandd/internal/wire"
)

// Input is the JSON Claude Code writes to a hook's stdin.
type Input struct {
	SessionID        string          `json:"session_id"`
	CWD              string          `json:"cwd"`
	HookEventName    string          `json:"hook_event_name"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolUseID        string          `json:"tool_use_id"`
	NotificationType string          `json:"notification_type"`
	Message          string          `json:"message"`
}

func ParseInput(data []byte) (Input, error) {
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return Input{}, fmt.Errorf("decode hook input: %w", err)
	}
	if strings.TrimSpace(in.SessionID) == "" {
		in.SessionID = "unknown"
	}
	return in, nil
}

// StatusSkip marks events that are not forwarded. Permission prompts
// announced through Notification arrive again as PermissionRequest.
const StatusSkip = "skip"

// ProcessInfo identifies the agent process that ran the hook.
type ProcessInfo struct {
	PID int
	TTY string
}

// BuildEvent maps hook input to the event sent to the daemon. ok is false
// when the event should not be sent.
func BuildEvent(in Input, proc ProcessInfo) (wire.Event, bool) {
	kind := strings.TrimSpace(in.HookEventName)
	if kind == "" {
		return wire.Event{}, false
	}
	ev := wire.Event{
		SessionID: in.SessionID,
		CWD:       in.CWD,
		Kind:      kind,
	}
	if proc.PID > 0 {
		pid := proc.PID
		ev.PID = &pid
	}
	if proc.TTY != "" {
		tty := proc.TTY
		ev.TTY = &tty
	}

	withTool := func(includeID bool) {
		if in.ToolName != "" {
			tool := in.ToolName
			ev.Tool = &tool
		}
		ev.ToolInput = toolInput(in.ToolInput)
		if includeID && in.ToolUseID != "" {
			id := in.ToolUseID
			ev.ToolUseID = &id
		}
	}

	switch kind {
	case wire.KindUserPromptSubmit:
		ev.Status = wire.StatusProcessing
	case wire.KindPreToolUse:
		ev.Status = wire.StatusRunningTool
		withTool(true)
	case wire.KindPostToolUse:
		ev.Status = wire.StatusProcessing
		withTool(true)
	case wire.KindPermissionRequest:
		ev.Status = wire.StatusWaitingForApproval
		withTool(false)
	case wire.KindNotification:
		switch in.NotificationType {
		case "permission_prompt":
			return wire.Event{}, false
		case "idle_prompt":
			ev.Status = wire.StatusWaitingForInput
			ev.NotificationType = optional(in.NotificationType)
		default:
			ev.Status = wire.StatusNotification
			ev.NotificationType = optional(in.NotificationType)
			ev.Message = optional(in.Message)
		}
	case wire.KindStop, wire.KindSessionStart:
		ev.Status = wire.StatusWaitingForInput
	case wire.KindSubagentStop:
		ev.Status = wire.StatusProcessing
	case wire.KindSessionEnd:
		ev.Status = wire.StatusEnded
	case wire.KindPreCompact:
		ev.Status = wire.StatusCompacting
	default:
		ev.Status = wire.StatusUnknown
	}
	return ev, true
}

// toolInput keeps tool_input only when it is a non-empty object.
func toolInput(raw json.RawMessage) wire.Object {
	if len(raw) == 0 {
		return nil
	}
	var obj wire.Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
