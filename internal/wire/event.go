package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Hook event names as sent in the "event" field.
const (
	KindSessionStart      = "SessionStart"
	KindSessionEnd        = "SessionEnd"
	KindUserPromptSubmit  = "UserPromptSubmit"
	KindPreToolUse        = "PreToolUse"
	KindPostToolUse       = "PostToolUse"
	KindPermissionRequest = "PermissionRequest"
	KindNotification      = "Notification"
	KindStop              = "Stop"
	KindSubagentStop      = "SubagentStop"
	KindPreCompact        = "PreCompact"
)

// Status values derived by the hook client from the event.
const (
	StatusWaitingForApproval = "waiting_for_approval"
	StatusWaitingForInput    = "waiting_for_input"
	StatusRunningTool        = "running_tool"
	StatusProcessing         = "processing"
	StatusStarting           = "starting"
	StatusCompacting         = "compacting"
	StatusNotification       = "notification"
	StatusEnded              = "ended"
	StatusUnknown            = "unknown"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is one message from the hook client. Values are never mutated
// after decoding; WithToolUseID returns a derived copy.
type Event struct {
	SessionID        string  `json:"session_id"`
	CWD              string  `json:"cwd"`
	Kind             string  `json:"event"`
	Status           string  `json:"status"`
	PID              *int    `json:"pid,omitempty"`
	TTY              *string `json:"tty,omitempty"`
	Tool             *string `json:"tool,omitempty"`
	ToolInput        Object  `json:"tool_input,omitempty"`
	ToolUseID        *string `json:"tool_use_id,omitempty"`
	NotificationType *string `json:"notification_type,omitempty"`
	Message          *string `json:"message,omitempty"`
}

// ExpectsResponse reports whether the sender keeps the connection open
// waiting for a decision.
func (e Event) ExpectsResponse() bool {
	return e.Kind == KindPermissionRequest && e.Status == StatusWaitingForApproval
}

func (e Event) ToolName() string { return deref(e.Tool) }

func (e Event) ToolUseIDValue() string { return deref(e.ToolUseID) }

// WithToolUseID returns a copy of e carrying id as its correlation
// identifier.
func (e Event) WithToolUseID(id string) Event {
	out := e
	out.ToolUseID = &id
	return out
}

func (e Event) Equal(other Event) bool {
	return e.SessionID == other.SessionID &&
		e.CWD == other.CWD &&
		e.Kind == other.Kind &&
		e.Status == other.Status &&
		equalIntPtr(e.PID, other.PID) &&
		equalStringPtr(e.TTY, other.TTY) &&
		equalStringPtr(e.Tool, other.Tool) &&
		e.ToolInput.Equal(other.ToolInput) &&
		equalStringPtr(e.ToolUseID, other.ToolUseID) &&
		equalStringPtr(e.NotificationType, other.NotificationType) &&
		equalStringPtr(e.Message, other.Message)
}

// DecodeEvent validates data against the inbound message schema and
// decodes it. Unknown fields are ignored.
func DecodeEvent(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Event{}, fmt.Errorf("%w: empty message", ErrInvalidEvent)
	}
	schema, err := eventSchema()
	if err != nil {
		return Event{}, fmt.Errorf("compile event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(ev.SessionID) == "" {
		return Event{}, fmt.Errorf("%w: session_id is empty", ErrInvalidEvent)
	}
	return ev, nil
}

func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

const eventSchemaJSON = `{
	"type": "object",
	"required": ["session_id", "cwd", "event", "status"],
	"properties": {
		"session_id": {"type": "string"},
		"cwd": {"type": "string"},
		"event": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"pid": {"type": ["integer", "null"]},
		"tty": {"type": ["string", "null"]},
		"tool": {"type": ["string", "null"]},
		"tool_input": {"type": ["object", "null"]},
		"tool_use_id": {"type": ["string", "null"]},
		"notification_type": {"type": ["string", "null"]},
		"message": {"type": ["string", "null"]}
	}
}`

var eventSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(eventSchemaJSON), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("event.json")
})

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
