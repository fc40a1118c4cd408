// Package audit records dispatched decisions and cancellations.
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/security"
	"github.com/g960059/islandd/internal/wire"
)

// Writer persists decision records.
// Write must never block the caller.
type Writer interface {
	Write(record *model.DecisionRecord)
	Close()
}

// Subject identifies the pending permission request a record is about.
type Subject struct {
	SessionID string
	ToolUseID string
	Tool      string
	ToolInput wire.Object
}

// NewRecord builds a record with a fresh id and a redacted input preview.
func NewRecord(subject Subject, decision wire.Decision, reason string, outcome model.DecisionOutcome, source string, at time.Time) *model.DecisionRecord {
	if at.IsZero() {
		at = time.Now()
	}
	return &model.DecisionRecord{
		DecisionID:   uuid.NewString(),
		SessionID:    subject.SessionID,
		ToolUseID:    subject.ToolUseID,
		Tool:         subject.Tool,
		InputPreview: security.PreviewToolInput(subject.ToolInput, security.DefaultPreviewBytes),
		Decision:     string(decision),
		Reason:       security.RedactPayload(reason),
		Outcome:      outcome,
		Source:       source,
		DecidedAt:    at.UTC(),
	}
}

// LogWriter writes records to the logger. It is the writer used when no
// audit database is configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(r *model.DecisionRecord) {
	if r == nil {
		return
	}
	w.logger.Info("decision",
		zap.String("decision_id", r.DecisionID),
		zap.String("session_id", r.SessionID),
		zap.String("tool_use_id", r.ToolUseID),
		zap.String("tool", r.Tool),
		zap.String("decision", r.Decision),
		zap.String("outcome", string(r.Outcome)),
		zap.String("source", r.Source),
	)
}

func (w *LogWriter) Close() {}

type multiWriter []Writer

// Tee fans records out to every writer; nil writers are skipped.
func Tee(writers ...Writer) Writer {
	out := make(multiWriter, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multiWriter) Write(r *model.DecisionRecord) {
	for _, w := range m {
		w.Write(r)
	}
}

func (m multiWriter) Close() {
	for _, w := range m {
		w.Close()
	}
}
