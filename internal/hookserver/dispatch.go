package hookserver

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/pending"
	"github.com/g960059/islandd/internal/wire"
)

// Outcome is the result of dispatching a decision.
type Outcome int

const (
	// OutcomeNotFound means no entry was pending; nothing happened.
	OutcomeNotFound Outcome = iota
	OutcomeDelivered
	// OutcomeFailed means the entry was removed and closed but the write
	// did not complete; the failure callback has been called.
	OutcomeFailed
	// OutcomeInvalid means the decision was rejected before touching the
	// registry.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeFailed:
		return "failed"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type PendingInfo struct {
	SessionID string
	ToolUseID string
	Tool      string
	ToolInput wire.Object
	Event     wire.Event
	CreatedAt time.Time
}

func infoFor(e *pending.Entry) PendingInfo {
	return PendingInfo{
		SessionID: e.SessionID,
		ToolUseID: e.ToolUseID,
		Tool:      e.Event.ToolName(),
		ToolInput: e.Event.ToolInput,
		Event:     e.Event,
		CreatedAt: e.CreatedAt,
	}
}

// Respond writes decision to the connection pending under id and closes
// it.
func (s *Server) Respond(id string, decision wire.Decision, reason string) Outcome {
	outcome, _ := s.RespondEntry(id, decision, reason)
	return outcome
}

// RespondEntry is Respond, also describing the entry it resolved. The info
// is zero unless the outcome is OutcomeDelivered or OutcomeFailed.
func (s *Server) RespondEntry(id string, decision wire.Decision, reason string) (Outcome, PendingInfo) {
	if !decision.Valid() {
		s.logger.Error("respond with invalid decision", zap.String("tool_use_id", id), zap.String("decision", string(decision)))
		return OutcomeInvalid, PendingInfo{}
	}
	entry, ok := s.pending.Remove(id)
	if !ok {
		s.logger.Debug("respond: no pending entry", zap.String("tool_use_id", id))
		return OutcomeNotFound, PendingInfo{}
	}
	return s.deliver(entry, decision, reason), infoFor(entry)
}

// RespondBySession resolves the most recently created entry of session.
func (s *Server) RespondBySession(session string, decision wire.Decision, reason string) (Outcome, PendingInfo) {
	if !decision.Valid() {
		s.logger.Error("respond with invalid decision", zap.String("session_id", session), zap.String("decision", string(decision)))
		return OutcomeInvalid, PendingInfo{}
	}
	entry, ok := s.pending.TakeLatest(session)
	if !ok {
		s.logger.Debug("respond: no pending entry for session", zap.String("session_id", session))
		return OutcomeNotFound, PendingInfo{}
	}
	return s.deliver(entry, decision, reason), infoFor(entry)
}

func (s *Server) deliver(entry *pending.Entry, decision wire.Decision, reason string) Outcome {
	log := s.logger.With(
		zap.String("session_id", entry.SessionID),
		zap.String("tool_use_id", entry.ToolUseID),
		zap.String("decision", string(decision)),
	)
	payload, err := wire.EncodeResponse(wire.NewResponse(decision, reason))
	if err == nil {
		err = writeFull(entry.Conn(), payload, s.opts.WriteTimeout)
	}
	_ = entry.Close()
	if err != nil {
		log.Warn("decision delivery failed", zap.Error(err))
		if _, onFailure := s.callbacks(); onFailure != nil {
			onFailure(entry.SessionID, entry.ToolUseID)
		}
		return OutcomeFailed
	}
	log.Info("decision delivered")
	return OutcomeDelivered
}

func writeFull(conn net.Conn, payload []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	n, err := conn.Write(payload)
	if err != nil {
		return err
	}
	if n < len(payload) {
		return io.ErrShortWrite
	}
	return nil
}

// Cancel closes the connection pending under id without a response.
func (s *Server) Cancel(id string) bool {
	_, ok := s.CancelEntry(id)
	return ok
}

// CancelEntry is Cancel, also describing the entry that was closed.
func (s *Server) CancelEntry(id string) (PendingInfo, bool) {
	entry, ok := s.pending.Remove(id)
	if !ok {
		return PendingInfo{}, false
	}
	_ = entry.Close()
	s.logger.Info("pending entry cancelled", zap.String("session_id", entry.SessionID), zap.String("tool_use_id", id))
	return infoFor(entry), true
}

// CancelAll closes every connection pending for session without a
// response and returns how many were closed.
func (s *Server) CancelAll(session string) int {
	return len(s.CancelSession(session))
}

// CancelSession is CancelAll, also describing the closed entries, oldest
// first.
func (s *Server) CancelSession(session string) []PendingInfo {
	entries := s.pending.RemoveAll(session)
	out := make([]PendingInfo, 0, len(entries))
	for _, e := range entries {
		_ = e.Close()
		out = append(out, infoFor(e))
	}
	if len(entries) > 0 {
		s.logger.Info("pending entries cancelled", zap.String("session_id", session), zap.Int("count", len(entries)))
	}
	return out
}

func (s *Server) HasPending(session string) bool {
	return s.pending.Contains(session)
}

// GetPending describes the most recent pending entry of session.
func (s *Server) GetPending(session string) (PendingInfo, bool) {
	e, ok := s.pending.Find(session)
	if !ok {
		return PendingInfo{}, false
	}
	return infoFor(e), true
}

func (s *Server) PendingByID(id string) (PendingInfo, bool) {
	e, ok := s.pending.Get(id)
	if !ok {
		return PendingInfo{}, false
	}
	return infoFor(e), true
}

func (s *Server) ListPending() []PendingInfo {
	entries := s.pending.List()
	out := make([]PendingInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, infoFor(e))
	}
	return out
}

func (s *Server) PendingCount() int { return s.pending.Len() }

// CachedIDs is the number of tool-use ids waiting to be correlated.
func (s *Server) CachedIDs() int { return s.cache.Len() }
