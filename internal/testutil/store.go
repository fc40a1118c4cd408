package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/islandd/internal/db"
	"github.com/g960059/islandd/internal/model"
	"github.com/g960059/islandd/internal/wire"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenMigrated(ctx, filepath.Join(t.TempDir(), "island-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func DecisionRecord(sessionID, toolUseID string, outcome model.DecisionOutcome) *model.DecisionRecord {
	return &model.DecisionRecord{
		DecisionID: uuid.NewString(),
		SessionID:  sessionID,
		ToolUseID:  toolUseID,
		Tool:       "Bash",
		Decision:   string(wire.DecisionAllow),
		Outcome:    outcome,
		Source:     model.SourceControlAPI,
		DecidedAt:  time.Now().UTC(),
	}
}

// Event builds a decoded hook event for tests.
func Event(session, kind, status string) wire.Event {
	return wire.Event{SessionID: session, CWD: "/work", Kind: kind, Status: status}
}

func PermissionRequest(session, toolUseID, tool string) wire.Event {
	ev := Event(session, wire.KindPermissionRequest, wire.StatusWaitingForApproval)
	ev.Tool = &tool
	if toolUseID != "" {
		ev = ev.WithToolUseID(toolUseID)
	}
	return ev
}

func WithPID(ev wire.Event, pid int) wire.Event {
	ev.PID = &pid
	return ev
}
