package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/audit"
	"github.com/g960059/islandd/internal/config"
	"github.com/g960059/islandd/internal/db"
	"github.com/g960059/islandd/internal/hookserver"
	"github.com/g960059/islandd/internal/session"
)

// Deps are optional collaborators. Zero values get working defaults.
type Deps struct {
	Logger *zap.Logger
	// Store enables /v1/history and the SQLite audit writer. The caller
	// keeps ownership and closes it after Shutdown.
	Store *db.Store
	// Audit replaces the default audit writers. The caller closes it.
	Audit audit.Writer
	Alive session.AliveFunc
	Now   func() time.Time
}

type Server struct {
	cfg       config.Config
	logger    *zap.Logger
	hook      *hookserver.Server
	tracker   *session.Tracker
	reaper    *session.Reaper
	hub       *hub
	audit     audit.Writer
	ownsAudit bool
	store     *db.Store
	now       func() time.Time

	router   chi.Router
	httpSrv  *http.Server
	streamID string
	sequence atomic.Int64
	// publishMu keeps stream sequence numbers in broadcast order.
	publishMu sync.Mutex

	mu          sync.Mutex
	listener    net.Listener
	lockFile    *os.File
	stopReaper  context.CancelFunc
	reaperDone  chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    deps.Store,
		now:      now,
		streamID: uuid.NewString(),
		hub:      newHub(cfg.StreamSendBuffer, logger),
	}

	hookOpts := hookserver.OptionsFromConfig(cfg)
	hookOpts.Now = now
	s.hook = hookserver.New(hookOpts, logger)

	switch {
	case deps.Audit != nil:
		s.audit = deps.Audit
	case deps.Store != nil:
		s.audit = audit.Tee(audit.NewSQLiteWriter(deps.Store, logger), audit.NewLogWriter(logger.Named("audit")))
		s.ownsAudit = true
	default:
		s.audit = audit.NewLogWriter(logger.Named("audit"))
		s.ownsAudit = true
	}

	s.tracker = session.NewTracker(auditedPending{s: s, source: sourceTerminal}, logger)
	s.reaper = session.NewReaper(s.tracker, auditedPending{s: s, source: sourceReaper}, session.ReaperOptions{
		Interval: cfg.ReapInterval,
		Alive:    deps.Alive,
		OnReap:   s.handleReaped,
	}, logger)

	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the control API routes.
func (s *Server) Handler() http.Handler { return s.router }

// Hook exposes the hook socket server.
func (s *Server) Hook() *hookserver.Server { return s.hook }

// Start brings up the hook socket, the reaper, and the control API, then
// serves until ctx is cancelled or serving fails.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if err := s.hook.Start(s.handleHookEvent, s.handleDeliveryFailure); err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("start hook socket: %w", err)
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.abortStart()
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.abortStart()
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.abortStart()
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.abortStart()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.abortStart()
		return fmt.Errorf("chmod socket: %w", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.stopReaper = stopReaper
	s.reaperDone = reaperDone
	s.mu.Unlock()
	go func() {
		defer close(reaperDone)
		s.reaper.Run(reaperCtx)
	}()

	s.logger.Info("control socket listening",
		zap.String("path", s.cfg.SocketPath),
		zap.String("hook_socket", s.hook.SocketPath()),
		zap.Bool("audit_db", s.store != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) abortStart() {
	s.hook.Stop()
	s.releaseLock() //nolint:errcheck
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 5 * time.Second
}

// Shutdown stops serving, closes every pending hook connection without a
// response, and flushes the audit trail.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.hub.closeAll()
		s.hook.Stop()

		s.mu.Lock()
		listener := s.listener
		stopReaper := s.stopReaper
		reaperDone := s.reaperDone
		s.listener = nil
		s.stopReaper = nil
		s.mu.Unlock()
		if stopReaper != nil {
			stopReaper()
			<-reaperDone
		}
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.ownsAudit {
			s.audit.Close()
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
		s.logger.Info("daemon stopped")
	})
	return s.shutdownErr
}

func (s *Server) nextSequence() int64 {
	return s.sequence.Add(1)
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
