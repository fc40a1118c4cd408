package model

import "time"

// SessionPhase is the normalized state of one agent session.
type SessionPhase string

const (
	PhaseRunning         SessionPhase = "running"
	PhaseWaitingInput    SessionPhase = "waiting_input"
	PhaseWaitingApproval SessionPhase = "waiting_approval"
	PhaseCompacting      SessionPhase = "compacting"
	PhaseEnded           SessionPhase = "ended"
	PhaseUnknown         SessionPhase = "unknown"
)

// PhasePrecedence orders phases by how urgently they need the user.
var PhasePrecedence = map[SessionPhase]int{
	PhaseWaitingApproval: 1,
	PhaseWaitingInput:    2,
	PhaseRunning:         3,
	PhaseCompacting:      4,
	PhaseUnknown:         5,
	PhaseEnded:           6,
}

type SessionState struct {
	SessionID string
	CWD       string
	PID       *int
	TTY       string
	Phase     SessionPhase
	LastEvent string
	LastTool  string
	StartedAt time.Time
	UpdatedAt time.Time
}

// DecisionOutcome records what happened to a decision or cancellation.
type DecisionOutcome string

const (
	OutcomeDelivered DecisionOutcome = "delivered"
	OutcomeFailed    DecisionOutcome = "failed"
	OutcomeNotFound  DecisionOutcome = "not_found"
	OutcomeCancelled DecisionOutcome = "cancelled"
)

type DecisionRecord struct {
	DecisionID   string
	SessionID    string
	ToolUseID    string
	Tool         string
	InputPreview string
	Decision     string
	Reason       string
	Outcome      DecisionOutcome
	Source       string
	DecidedAt    time.Time
}

// Decision sources.
const (
	SourceControlAPI = "control_api"
	SourceReaper     = "reaper"
	SourceTerminal   = "terminal"
)

// Error codes defined by API contract.
const (
	ErrRefInvalid       = "E_REF_INVALID"
	ErrRefNotFound      = "E_REF_NOT_FOUND"
	ErrDeliveryFailed   = "E_DELIVERY_FAILED"
	ErrAuditDisabled    = "E_AUDIT_DISABLED"
	ErrInternal         = "E_INTERNAL"
	ErrMethodNotAllowed = "E_METHOD_NOT_ALLOWED"
)
