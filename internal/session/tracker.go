// Package session keeps the live view of agent sessions built from hook
// events, and reaps sessions whose agent process has exited.
package session

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/adapter"
	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/wire"
)

// Pending is the part of the hook server the tracker drives.
type Pending interface {
	Cancel(id string) bool
	CancelAll(session string) int
}

// Change describes the effect of one event on the tracked sessions.
type Change struct {
	State   model.SessionState
	Removed bool
	// Cancelled is the tool-use id whose held request was released because
	// the tool ran without a decision from us.
	Cancelled string
}

type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*model.SessionState
	pending  Pending
	now      func() time.Time
	logger   *zap.Logger
}

func NewTracker(pending Pending, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: map[string]*model.SessionState{},
		pending:  pending,
		now:      time.Now,
		logger:   logger.Named("session"),
	}
}

// Apply folds ev into the session it belongs to.
func (t *Tracker) Apply(ev wire.Event) Change {
	now := t.now().UTC()

	t.mu.Lock()
	st, ok := t.sessions[ev.SessionID]
	if !ok {
		st = &model.SessionState{SessionID: ev.SessionID, Phase: model.PhaseUnknown, StartedAt: now}
		t.sessions[ev.SessionID] = st
	}
	if ev.CWD != "" {
		st.CWD = ev.CWD
	}
	if ev.PID != nil {
		pid := *ev.PID
		st.PID = &pid
	}
	if ev.TTY != nil && *ev.TTY != "" {
		st.TTY = *ev.TTY
	}
	if tool := ev.ToolName(); tool != "" {
		st.LastTool = tool
	}
	st.LastEvent = ev.Kind
	st.UpdatedAt = now
	if norm, ok := adapter.Normalize(ev.Kind, ev.Status); ok {
		st.Phase = norm.Phase
	}
	change := Change{State: copyState(st)}
	if st.Phase == model.PhaseEnded {
		delete(t.sessions, ev.SessionID)
		change.Removed = true
	}
	t.mu.Unlock()

	if ev.Kind == wire.KindPostToolUse && t.pending != nil {
		if id := ev.ToolUseIDValue(); id != "" && t.pending.Cancel(id) {
			t.logger.Info("permission resolved outside island",
				zap.String("session_id", ev.SessionID),
				zap.String("tool_use_id", id),
			)
			change.Cancelled = id
		}
	}
	return change
}

func (t *Tracker) Get(sessionID string) (model.SessionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		return model.SessionState{}, false
	}
	return copyState(st), true
}

// Forget drops a session without touching its pending requests.
func (t *Tracker) Forget(sessionID string) (model.SessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[sessionID]
	if !ok {
		return model.SessionState{}, false
	}
	delete(t.sessions, sessionID)
	return copyState(st), true
}

// Snapshot lists sessions, most urgent first, then most recently updated.
func (t *Tracker) Snapshot() []model.SessionState {
	t.mu.RLock()
	out := make([]model.SessionState, 0, len(t.sessions))
	for _, st := range t.sessions {
		out = append(out, copyState(st))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := model.PhasePrecedence[out[i].Phase], model.PhasePrecedence[out[j].Phase]
		if pi != pj {
			return pi < pj
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func copyState(st *model.SessionState) model.SessionState {
	out := *st
	if st.PID != nil {
		pid := *st.PID
		out.PID = &pid
	}
	return out
}
