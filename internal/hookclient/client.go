package hookclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/wire"
)

const (
	DefaultDecisionTimeout = 300 * time.Second
	defaultDialTimeout     = 2 * time.Second
	maxResponseBytes       = 64 << 10
	maxInputBytes          = 16 << 20
)

type Options struct {
	SocketPath      string
	DialTimeout     time.Duration
	DecisionTimeout time.Duration
	Logger          *zap.Logger
	// Process describes the agent process; DetectProcess when nil.
	Process func(ctx context.Context) ProcessInfo
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.DecisionTimeout <= 0 {
		o.DecisionTimeout = DefaultDecisionTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Process == nil {
		o.Process = DetectProcess
	}
	return o
}

// Send writes ev to the daemon. For permission requests it waits for the
// decision; a nil Response means the daemon closed the connection without
// one.
func Send(ctx context.Context, opts Options, ev wire.Event) (*wire.Response, error) {
	opts = opts.withDefaults()
	payload, err := wire.EncodeEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", opts.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.SocketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(opts.DecisionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write event: %w", err)
	}
	if !ev.ExpectsResponse() {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(conn, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read decision: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	resp, err := wire.DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run handles one hook invocation. It returns the process exit code. Only
// unreadable input is an error; daemon failures are logged and ignored so
// the agent carries on as if no hook were installed.
func Run(ctx context.Context, stdin io.Reader, stdout io.Writer, opts Options) int {
	opts = opts.withDefaults()
	log := opts.Logger

	raw, err := io.ReadAll(io.LimitReader(stdin, maxInputBytes))
	if err != nil {
		log.Debug("read hook input", zap.Error(err))
		return 1
	}
	in, err := ParseInput(raw)
	if err != nil {
		log.Debug("parse hook input", zap.Error(err))
		return 1
	}
	ev, ok := BuildEvent(in, opts.Process(ctx))
	if !ok {
		log.Debug("hook event skipped", zap.String("event", in.HookEventName))
		return 0
	}
	log = log.With(zap.String("session_id", ev.SessionID), zap.String("event", ev.Kind), zap.String("status", ev.Status))

	resp, err := Send(ctx, opts, ev)
	if err != nil {
		log.Debug("send event", zap.Error(err))
		return 0
	}
	if !ev.ExpectsResponse() {
		return 0
	}
	out, ok := RenderDecision(resp)
	if !ok {
		log.Debug("no decision, deferring to agent prompt")
		return 0
	}
	if _, err := fmt.Fprintln(stdout, string(out)); err != nil {
		log.Debug("write hook output", zap.Error(err))
	}
	return 0
}

// DetectProcess reports the parent process, which is the agent that ran
// the hook, and its terminal.
func DetectProcess(ctx context.Context) ProcessInfo {
	info := ProcessInfo{PID: os.Getppid()}
	info.TTY = parentTTY(ctx, info.PID)
	if info.TTY == "" {
		info.TTY = ownTTY()
	}
	return info
}

func parentTTY(ctx context.Context, pid int) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	tty, err := p.TerminalWithContext(ctx)
	if err != nil {
		return ""
	}
	return normalizeTTY(tty)
}

// ownTTY resolves the terminal attached to stdin or stdout.
func ownTTY() string {
	for _, fd := range []string{"0", "1"} {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", fd))
		if err != nil {
			continue
		}
		if tty := normalizeTTY(target); strings.HasPrefix(tty, "/dev/tty") || strings.HasPrefix(tty, "/dev/pts/") {
			return tty
		}
	}
	return ""
}

func normalizeTTY(tty string) string {
	tty = strings.TrimSpace(tty)
	switch tty {
	case "", "?", "??", "-":
		return ""
	}
	if strings.HasPrefix(tty, "/dev/") {
		return tty
	}
	return "/dev/" + strings.TrimPrefix(tty, "/")
}
