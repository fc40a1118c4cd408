package api

import (
	"time"

	"github.com/g960059/islandd/internal/wire"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SessionItem struct {
	SessionID  string `json:"session_id"`
	CWD        string `json:"cwd,omitempty"`
	PID        *int   `json:"pid,omitempty"`
	TTY        string `json:"tty,omitempty"`
	Phase      string `json:"phase"`
	NeedsUser  bool   `json:"needs_user,omitempty"`
	HasPending bool   `json:"has_pending,omitempty"`
	LastEvent  string `json:"last_event,omitempty"`
	LastTool   string `json:"last_tool,omitempty"`
	StartedAt  string `json:"started_at"`
	UpdatedAt  string `json:"updated_at"`
}

type SessionsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Sessions      []SessionItem  `json:"sessions"`
	ByPhase       map[string]int `json:"by_phase,omitempty"`
}

// PendingItem is a permission request held open on the hook socket.
type PendingItem struct {
	SessionID  string      `json:"session_id"`
	ToolUseID  string      `json:"tool_use_id"`
	Tool       string      `json:"tool,omitempty"`
	ToolInput  wire.Object `json:"tool_input,omitempty"`
	CWD        string      `json:"cwd,omitempty"`
	CreatedAt  string      `json:"created_at"`
	AgeSeconds float64     `json:"age_seconds"`
}

type PendingListEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Pending       []PendingItem `json:"pending"`
}

type PendingEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Pending       PendingItem `json:"pending"`
}

type RespondRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type RespondResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id,omitempty"`
	ToolUseID     string    `json:"tool_use_id"`
	Decision      string    `json:"decision"`
	Outcome       string    `json:"outcome"`
	DecisionID    string    `json:"decision_id,omitempty"`
}

type CancelResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id,omitempty"`
	ToolUseID     string    `json:"tool_use_id,omitempty"`
	Cancelled     int       `json:"cancelled"`
}

type DecisionItem struct {
	DecisionID   string `json:"decision_id"`
	SessionID    string `json:"session_id"`
	ToolUseID    string `json:"tool_use_id"`
	Tool         string `json:"tool,omitempty"`
	InputPreview string `json:"input_preview,omitempty"`
	Decision     string `json:"decision,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Outcome      string `json:"outcome"`
	Source       string `json:"source,omitempty"`
	DecidedAt    string `json:"decided_at"`
}

type HistoryEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Decisions     []DecisionItem `json:"decisions"`
}

// Stream message types sent on /v1/stream.
const (
	StreamSnapshot       = "snapshot"
	StreamEvent          = "event"
	StreamDeliveryFailed = "delivery_failed"
	StreamDecision       = "decision"
	StreamSessionReaped  = "session_reaped"
)

type StreamMessage struct {
	SchemaVersion string        `json:"schema_version"`
	EmittedAt     time.Time     `json:"emitted_at"`
	StreamID      string        `json:"stream_id"`
	Sequence      int64         `json:"sequence"`
	Type          string        `json:"type"`
	Sessions      []SessionItem `json:"sessions,omitempty"`
	Pending       []PendingItem `json:"pending,omitempty"`
	Session       *SessionItem  `json:"session,omitempty"`
	Event         *wire.Event   `json:"event,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	ToolUseID     string        `json:"tool_use_id,omitempty"`
	Decision      string        `json:"decision,omitempty"`
	Outcome       string        `json:"outcome,omitempty"`
}
