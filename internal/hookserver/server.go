// Package hookserver is the hook socket: it accepts one JSON event per
// connection, correlates permission requests with their tool-use ids, and
// parks permission requests until a decision is dispatched.
package hookserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/config"
	"github.com/g960059/islandd/internal/correlate"
	"github.com/g960059/islandd/internal/pending"
	"github.com/g960059/islandd/internal/wire"
)

// EventFunc receives every decoded event, in arrival order, from the
// processing goroutine. Permission requests arrive with their resolved
// tool-use id.
type EventFunc func(ev wire.Event)

// FailureFunc is called when a decision could not be written to the
// waiting client.
type FailureFunc func(sessionID, toolUseID string)

// Options configures the hook socket. Zero durations and sizes take the
// config defaults.
type Options struct {
	SocketPath       string
	ReadTimeout      time.Duration
	QuiescenceWindow time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64
	Now              func() time.Time
}

// OptionsFromConfig copies the hook socket settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SocketPath:       cfg.HookSocketPath,
		ReadTimeout:      cfg.ReadTimeout,
		QuiescenceWindow: cfg.QuiescenceWindow,
		WriteTimeout:     cfg.WriteTimeout,
		MaxMessageBytes:  cfg.MaxMessageBytes,
	}
}

const (
	socketMode        = 0o666
	acceptBackoffMin  = 5 * time.Millisecond
	acceptBackoffMax  = time.Second
	defaultReadChunk  = 4096
	defaultMaxMessage = 1 << 20
	// acceptQueue bounds connections accepted but not yet processed.
	acceptQueue = 128
)

// inbound is the read result of one connection. A nil conn means the
// connection produced nothing to process and was already closed.
type inbound struct {
	conn net.Conn
	ev   wire.Event
}

// Server owns the hook socket, the correlation cache and the pending
// registry.
type Server struct {
	opts    Options
	logger  *zap.Logger
	cache   *correlate.Cache
	pending *pending.Registry
	// tickets holds one result channel per accepted connection, in accept
	// order. Reads run concurrently; processing follows ticket order.
	tickets chan chan inbound

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	wg        sync.WaitGroup

	mu        sync.Mutex
	listener  net.Listener
	done      chan struct{}
	onEvent   EventFunc
	onFailure FailureFunc
}

// New builds a stopped server.
func New(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := config.DefaultConfig()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.QuiescenceWindow <= 0 {
		opts.QuiescenceWindow = defaults.QuiescenceWindow
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultMaxMessage
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:    opts,
		logger:  logger.Named("hook"),
		cache:   correlate.NewCache(),
		pending: pending.NewRegistry(),
		tickets: make(chan chan inbound, acceptQueue),
	}
}

func (s *Server) SocketPath() string { return s.opts.SocketPath }

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

// Start binds the hook socket and begins serving. Starting a running
// server is a no-op. On error nothing is left running.
func (s *Server) Start(onEvent EventFunc, onFailure FailureFunc) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.Running() {
		return nil
	}

	path := s.opts.SocketPath
	if path == "" {
		return fmt.Errorf("hook socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create hook socket dir: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen hook socket: %w", err)
	}
	if err := os.Chmod(path, socketMode); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("chmod hook socket: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.done = done
	s.onEvent = onEvent
	s.onFailure = onFailure
	s.mu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop(ln, done)
	go s.processLoop(done)

	s.logger.Info("hook socket listening", zap.String("path", path))
	return nil
}

// Stop closes the socket, waits for in-flight connections, and closes every
// pending connection without a response. Nothing is reported to the
// failure callback.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	ln := s.listener
	done := s.done
	s.listener = nil
	s.done = nil
	s.mu.Unlock()
	if ln == nil {
		return
	}

	close(done)
	_ = ln.Close()
	s.wg.Wait()
	s.dropQueued()

	cancelled := s.pending.Drain()
	for _, e := range cancelled {
		_ = e.Close()
	}
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove hook socket", zap.String("path", s.opts.SocketPath), zap.Error(err))
	}
	s.logger.Info("hook socket stopped", zap.Int("cancelled_pending", len(cancelled)))
}

func (s *Server) callbacks() (EventFunc, FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onEvent, s.onFailure
}

func (s *Server) acceptLoop(ln net.Listener, done <-chan struct{}) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			continue
		}
		backoff = 0
		result := make(chan inbound, 1)
		select {
		case s.tickets <- result:
		case <-done:
			conn.Close() //nolint:errcheck
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn, result)
	}
}

// processLoop is the single goroutine that applies message side effects
// and invokes the event callback. It takes read results in accept order,
// waiting for each read to finish; reads are bounded by ReadTimeout.
func (s *Server) processLoop(done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case result := <-s.tickets:
			msg := <-result
			if msg.conn == nil {
				continue
			}
			select {
			case <-done:
				msg.conn.Close() //nolint:errcheck
				return
			default:
			}
			s.process(msg)
		case <-done:
			return
		}
	}
}

// dropQueued closes connections that were read but never processed. Call
// only after every reader has finished.
func (s *Server) dropQueued() {
	for {
		select {
		case result := <-s.tickets:
			if msg := <-result; msg.conn != nil {
				msg.conn.Close() //nolint:errcheck
			}
		default:
			return
		}
	}
}

func removeStaleSocket(path string) error {
	st, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat hook socket path: %w", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("hook socket path exists and is not unix socket: %s", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale hook socket: %w", err)
	}
	return nil
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return acceptBackoffMin
	}
	next := prev * 2
	if next > acceptBackoffMax {
		return acceptBackoffMax
	}
	return next
}
