package daemon

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/api"
	"github.com/g960059/islandd/internal/hookserver"
	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/wire"
)

const maxRequestBody = 64 << 10

// pathParam returns a route parameter unescaped. chi matches on the raw
// path, so ids containing '/' or '%' arrive escaped.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, model.ErrMethodNotAllowed, "method not allowed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.healthHandler)
		r.Get("/sessions", s.sessionsHandler)
		r.Get("/history", s.historyHandler)
		r.Get("/stream", s.streamHandler)

		r.Route("/pending", func(r chi.Router) {
			r.Get("/", s.listPendingHandler)
			r.Get("/{toolUseID}", s.pendingByIDHandler)
			r.Delete("/{toolUseID}", s.cancelHandler)
			r.Post("/{toolUseID}/respond", s.respondHandler)
		})

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/pending", s.sessionPendingHandler)
			r.Delete("/pending", s.cancelSessionHandler)
			r.Post("/respond", s.respondSessionHandler)
		})
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Status:        "ok",
		StreamID:      s.streamID,
		HookSocket:    s.hook.SocketPath(),
		HookRunning:   s.hook.Running(),
		Sessions:      s.tracker.Len(),
		Pending:       s.hook.PendingCount(),
		CachedIDs:     s.hook.CachedIDs(),
		AuditEnabled:  s.store != nil,
		StreamClients: s.hub.count(),
	}
	if !resp.HookRunning {
		resp.Status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, _ *http.Request) {
	items := s.sessionItems()
	byPhase := map[string]int{}
	for _, it := range items {
		byPhase[it.Phase]++
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Sessions:      items,
		ByPhase:       byPhase,
	})
}

func (s *Server) listPendingHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.PendingListEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Pending:       s.pendingItems(strings.TrimSpace(r.URL.Query().Get("session"))),
	})
}

func (s *Server) pendingByIDHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := s.hook.PendingByID(pathParam(r, "toolUseID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no pending request with that tool_use_id")
		return
	}
	s.writePending(w, info)
}

func (s *Server) sessionPendingHandler(w http.ResponseWriter, r *http.Request) {
	info, ok := s.hook.GetPending(pathParam(r, "sessionID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no pending request for session")
		return
	}
	s.writePending(w, info)
}

func (s *Server) writePending(w http.ResponseWriter, info hookserver.PendingInfo) {
	s.writeJSON(w, http.StatusOK, api.PendingEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Pending:       s.pendingItem(info),
	})
}

func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "toolUseID")
	decision, reason, ok := s.decodeRespond(w, r)
	if !ok {
		return
	}
	outcome, info := s.hook.RespondEntry(id, decision, reason)
	if outcome == hookserver.OutcomeNotFound {
		info = hookserver.PendingInfo{ToolUseID: id}
	}
	s.writeRespondOutcome(w, outcome, info, decision, reason)
}

func (s *Server) respondSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "sessionID")
	decision, reason, ok := s.decodeRespond(w, r)
	if !ok {
		return
	}
	outcome, info := s.hook.RespondBySession(sessionID, decision, reason)
	if outcome == hookserver.OutcomeNotFound {
		info = hookserver.PendingInfo{SessionID: sessionID}
	}
	s.writeRespondOutcome(w, outcome, info, decision, reason)
}

func (s *Server) decodeRespond(w http.ResponseWriter, r *http.Request) (wire.Decision, string, bool) {
	var req api.RespondRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid JSON body")
		return "", "", false
	}
	decision, err := wire.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "decision must be allow, deny, or ask")
		return "", "", false
	}
	return decision, strings.TrimSpace(req.Reason), true
}

func (s *Server) writeRespondOutcome(w http.ResponseWriter, outcome hookserver.Outcome, info hookserver.PendingInfo, decision wire.Decision, reason string) {
	switch outcome {
	case hookserver.OutcomeInvalid:
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid decision")
		return
	case hookserver.OutcomeNotFound:
		s.recordDecision(info, decision, reason, model.OutcomeNotFound, model.SourceControlAPI)
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no pending request")
		return
	}

	recOutcome := model.OutcomeDelivered
	if outcome == hookserver.OutcomeFailed {
		recOutcome = model.OutcomeFailed
	}
	rec := s.recordDecision(info, decision, reason, recOutcome, model.SourceControlAPI)
	if outcome == hookserver.OutcomeFailed {
		s.writeError(w, http.StatusBadGateway, model.ErrDeliveryFailed, "hook client disconnected before the decision was written")
		return
	}
	s.writeJSON(w, http.StatusOK, api.RespondResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		SessionID:     info.SessionID,
		ToolUseID:     info.ToolUseID,
		Decision:      string(decision),
		Outcome:       outcome.String(),
		DecisionID:    rec.DecisionID,
	})
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "toolUseID")
	info, ok := s.hook.CancelEntry(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "no pending request with that tool_use_id")
		return
	}
	s.recordDecision(info, "", "", model.OutcomeCancelled, model.SourceControlAPI)
	s.writeJSON(w, http.StatusOK, api.CancelResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		SessionID:     info.SessionID,
		ToolUseID:     info.ToolUseID,
		Cancelled:     1,
	})
}

func (s *Server) cancelSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := pathParam(r, "sessionID")
	infos := s.hook.CancelSession(sessionID)
	for _, info := range infos {
		s.recordDecision(info, "", "", model.OutcomeCancelled, model.SourceControlAPI)
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		SessionID:     sessionID,
		Cancelled:     len(infos),
	})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusNotFound, model.ErrAuditDisabled, "audit database is not configured")
		return
	}
	limit := s.cfg.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		records []model.DecisionRecord
		err     error
	)
	if sessionID := strings.TrimSpace(r.URL.Query().Get("session")); sessionID != "" {
		records, err = s.store.ListSessionDecisions(r.Context(), sessionID, limit)
	} else {
		records, err = s.store.ListDecisions(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("list decisions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrInternal, "failed to read audit trail")
		return
	}
	items := make([]api.DecisionItem, 0, len(records))
	for _, rec := range records {
		items = append(items, api.DecisionItem{
			DecisionID:   rec.DecisionID,
			SessionID:    rec.SessionID,
			ToolUseID:    rec.ToolUseID,
			Tool:         rec.Tool,
			InputPreview: rec.InputPreview,
			Decision:     rec.Decision,
			Reason:       rec.Reason,
			Outcome:      string(rec.Outcome),
			Source:       rec.Source,
			DecidedAt:    formatTime(rec.DecidedAt),
		})
	}
	s.writeJSON(w, http.StatusOK, api.HistoryEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Decisions:     items,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}
