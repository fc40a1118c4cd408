package daemon

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/adapter"
	"github.com/g960059/islandd/internal/api"
	"github.com/g960059/islandd/internal/audit"
	"github.com/g960059/islandd/internal/hookserver"
	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/wire"
)

const (
	sourceTerminal = model.SourceTerminal
	sourceReaper   = model.SourceReaper
)

// handleHookEvent runs on the hook server's processing goroutine.
func (s *Server) handleHookEvent(ev wire.Event) {
	change := s.tracker.Apply(ev)
	item := s.sessionItem(change.State)
	evCopy := ev
	s.publish(api.StreamMessage{
		Type:      api.StreamEvent,
		Session:   &item,
		Event:     &evCopy,
		SessionID: ev.SessionID,
		ToolUseID: ev.ToolUseIDValue(),
	})
}

func (s *Server) handleDeliveryFailure(sessionID, toolUseID string) {
	s.logger.Warn("decision not delivered; agent will fall back to its own prompt",
		zap.String("session_id", sessionID),
		zap.String("tool_use_id", toolUseID),
	)
	s.publish(api.StreamMessage{
		Type:      api.StreamDeliveryFailed,
		SessionID: sessionID,
		ToolUseID: toolUseID,
	})
}

func (s *Server) handleReaped(state model.SessionState, cancelled int) {
	item := s.sessionItem(state)
	item.Phase = string(model.PhaseEnded)
	item.NeedsUser = false
	s.publish(api.StreamMessage{
		Type:      api.StreamSessionReaped,
		Session:   &item,
		SessionID: state.SessionID,
	})
}

// recordDecision audits a dispatch and tells stream clients about it.
func (s *Server) recordDecision(info hookserver.PendingInfo, decision wire.Decision, reason string, outcome model.DecisionOutcome, source string) *model.DecisionRecord {
	rec := audit.NewRecord(subjectFor(info), decision, reason, outcome, source, s.now())
	s.audit.Write(rec)
	if outcome != model.OutcomeNotFound {
		s.publish(api.StreamMessage{
			Type:      api.StreamDecision,
			SessionID: info.SessionID,
			ToolUseID: info.ToolUseID,
			Decision:  string(decision),
			Outcome:   string(outcome),
		})
	}
	return rec
}

func subjectFor(info hookserver.PendingInfo) audit.Subject {
	return audit.Subject{
		SessionID: info.SessionID,
		ToolUseID: info.ToolUseID,
		Tool:      info.Tool,
		ToolInput: info.ToolInput,
	}
}

// auditedPending cancels through the hook server and audits what it closed.
type auditedPending struct {
	s      *Server
	source string
}

func (p auditedPending) Cancel(id string) bool {
	info, ok := p.s.hook.CancelEntry(id)
	if ok {
		p.s.recordDecision(info, "", "", model.OutcomeCancelled, p.source)
	}
	return ok
}

func (p auditedPending) CancelAll(sessionID string) int {
	infos := p.s.hook.CancelSession(sessionID)
	for _, info := range infos {
		p.s.recordDecision(info, "", "", model.OutcomeCancelled, p.source)
	}
	return len(infos)
}

func (s *Server) publish(msg api.StreamMessage) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	data, err := s.encodeStream(msg)
	if err != nil {
		s.logger.Error("encode stream message", zap.Error(err), zap.String("type", msg.Type))
		return
	}
	s.hub.broadcast(data)
}

// encodeStream stamps and encodes msg. Callers hold publishMu.
func (s *Server) encodeStream(msg api.StreamMessage) ([]byte, error) {
	msg.SchemaVersion = api.SchemaVersion
	msg.EmittedAt = s.now().UTC()
	msg.StreamID = s.streamID
	msg.Sequence = s.nextSequence()
	return json.Marshal(msg)
}

func (s *Server) sessionItem(st model.SessionState) api.SessionItem {
	return api.SessionItem{
		SessionID:  st.SessionID,
		CWD:        st.CWD,
		PID:        st.PID,
		TTY:        st.TTY,
		Phase:      string(st.Phase),
		NeedsUser:  adapter.NeedsUser(st.Phase),
		HasPending: s.hook.HasPending(st.SessionID),
		LastEvent:  st.LastEvent,
		LastTool:   st.LastTool,
		StartedAt:  formatTime(st.StartedAt),
		UpdatedAt:  formatTime(st.UpdatedAt),
	}
}

func (s *Server) sessionItems() []api.SessionItem {
	states := s.tracker.Snapshot()
	out := make([]api.SessionItem, 0, len(states))
	for _, st := range states {
		out = append(out, s.sessionItem(st))
	}
	return out
}

func (s *Server) pendingItem(info hookserver.PendingInfo) api.PendingItem {
	age := s.now().Sub(info.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return api.PendingItem{
		SessionID:  info.SessionID,
		ToolUseID:  info.ToolUseID,
		Tool:       info.Tool,
		ToolInput:  info.ToolInput,
		CWD:        info.Event.CWD,
		CreatedAt:  formatTime(info.CreatedAt),
		AgeSeconds: age,
	}
}

// pendingItems lists pending requests, oldest first, optionally for one
// session.
func (s *Server) pendingItems(sessionID string) []api.PendingItem {
	infos := s.hook.ListPending()
	out := make([]api.PendingItem, 0, len(infos))
	for _, info := range infos {
		if sessionID != "" && info.SessionID != sessionID {
			continue
		}
		out = append(out, s.pendingItem(info))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
