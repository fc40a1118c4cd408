package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

var ErrInvalidDecision = errors.New("invalid decision")

func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionAllow, DecisionDeny, DecisionAsk:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAsk:
		return true
	}
	return false
}

// Response is written back down a held connection. Reason is always
// encoded, as null when absent.
type Response struct {
	Decision Decision `json:"decision"`
	Reason   *string  `json:"reason"`
}

// NewResponse builds a Response; an empty reason is encoded as null.
func NewResponse(decision Decision, reason string) Response {
	resp := Response{Decision: decision}
	if reason != "" {
		resp.Reason = &reason
	}
	return resp
}

func (r Response) ReasonValue() string { return deref(r.Reason) }

func (r Response) Equal(other Response) bool {
	return r.Decision == other.Decision && equalStringPtr(r.Reason, other.Reason)
}

func EncodeResponse(r Response) ([]byte, error) {
	if !r.Decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, r.Decision)
	}
	return json.Marshal(r)
}

func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !r.Decision.Valid() {
		return Response{}, fmt.Errorf("%w: %q", ErrInvalidDecision, r.Decision)
	}
	return r, nil
}
