// Package db is the SQLite store behind the decision audit trail.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/islandd/internal/model"
)

var ErrDuplicate = errors.New("duplicate")

// MaxListLimit caps ListDecisions.
const MaxListLimit = 1000

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens path and applies all migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertDecisions writes records in one transaction.
func (s *Store) InsertDecisions(ctx context.Context, records []*model.DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert decisions: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO decisions(decision_id, session_id, tool_use_id, tool, input_preview, decision, reason, outcome, source, decided_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("prepare insert decision: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		decidedAt := r.DecidedAt
		if decidedAt.IsZero() {
			decidedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			r.DecisionID, r.SessionID, r.ToolUseID, r.Tool, r.InputPreview,
			r.Decision, r.Reason, string(r.Outcome), r.Source, ts(decidedAt),
		); err != nil {
			tx.Rollback() //nolint:errcheck
			if isUniqueErr(err) {
				return fmt.Errorf("%w: decision %s", ErrDuplicate, r.DecisionID)
			}
			return fmt.Errorf("insert decision %s: %w", r.DecisionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert decisions: %w", err)
	}
	return nil
}

// ListDecisions returns the newest records first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]model.DecisionRecord, error) {
	return s.queryDecisions(ctx, `
SELECT decision_id, session_id, tool_use_id, tool, input_preview, decision, reason, outcome, source, decided_at
FROM decisions
ORDER BY decided_at DESC, rowid DESC
LIMIT ?
`, clampLimit(limit))
}

func (s *Store) ListSessionDecisions(ctx context.Context, sessionID string, limit int) ([]model.DecisionRecord, error) {
	return s.queryDecisions(ctx, `
SELECT decision_id, session_id, tool_use_id, tool, input_preview, decision, reason, outcome, source, decided_at
FROM decisions
WHERE session_id = ?
ORDER BY decided_at DESC, rowid DESC
LIMIT ?
`, sessionID, clampLimit(limit))
}

// PurgeDecisionsBefore deletes records decided before cutoff.
func (s *Store) PurgeDecisionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE decided_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge decisions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]model.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.DecisionRecord{}
	for rows.Next() {
		var (
			r         model.DecisionRecord
			outcome   string
			decidedAt string
		)
		if err := rows.Scan(&r.DecisionID, &r.SessionID, &r.ToolUseID, &r.Tool, &r.InputPreview,
			&r.Decision, &r.Reason, &outcome, &r.Source, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.Outcome = model.DecisionOutcome(outcome)
		if r.DecidedAt, err = parseTS(decidedAt); err != nil {
			return nil, fmt.Errorf("parse decided_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "PRIMARY KEY constraint failed", "constraint failed: UNIQUE")
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
