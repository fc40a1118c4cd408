package session

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/model"
)

// AliveFunc reports whether a process is still running.
type AliveFunc func(ctx context.Context, pid int) (bool, error)

// ProcessAlive checks the process table through gopsutil.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Reaper releases sessions whose agent process exited without sending
// SessionEnd.
type Reaper struct {
	tracker  *Tracker
	pending  Pending
	interval time.Duration
	alive    AliveFunc
	onReap   func(model.SessionState, int)
	logger   *zap.Logger
}

type ReaperOptions struct {
	Interval time.Duration
	Alive    AliveFunc
	// OnReap is called with the forgotten session and the number of pending
	// requests that were cancelled.
	OnReap func(state model.SessionState, cancelled int)
}

func NewReaper(tracker *Tracker, pending Pending, opts ReaperOptions, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Alive == nil {
		opts.Alive = ProcessAlive
	}
	return &Reaper{
		tracker:  tracker,
		pending:  pending,
		interval: opts.Interval,
		alive:    opts.Alive,
		onReap:   opts.OnReap,
		logger:   logger.Named("reaper"),
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep checks every session with a known pid once and returns how many
// were reaped. Sessions whose liveness cannot be determined are kept.
func (r *Reaper) Sweep(ctx context.Context) int {
	reaped := 0
	for _, st := range r.tracker.Snapshot() {
		if st.PID == nil || *st.PID <= 0 {
			continue
		}
		alive, err := r.alive(ctx, *st.PID)
		if err != nil {
			r.logger.Debug("liveness check failed", zap.String("session_id", st.SessionID), zap.Int("pid", *st.PID), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		cancelled := 0
		if r.pending != nil {
			cancelled = r.pending.CancelAll(st.SessionID)
		}
		forgotten, ok := r.tracker.Forget(st.SessionID)
		if !ok {
			continue
		}
		reaped++
		r.logger.Info("session process exited",
			zap.String("session_id", st.SessionID),
			zap.Int("pid", *st.PID),
			zap.Int("cancelled_pending", cancelled),
		)
		if r.onReap != nil {
			r.onReap(forgotten, cancelled)
		}
	}
	return reaped
}
