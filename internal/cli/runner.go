// Package cli implements the island operator command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/g960059/islandd/internal/appclient"
	"github.com/g960059/islandd/internal/config"
)

type Runner struct {
	client   *appclient.Client
	injected bool
	cfg      config.Config
	out      io.Writer
	errOut   io.Writer
	jsonOut  bool
	plain    bool
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	if strings.TrimSpace(socketPath) != "" {
		r.cfg.SocketPath = socketPath
	}
	r.client = appclient.New(r.cfg.SocketPath)
	return r
}

// NewRunnerWithClient talks to baseURL instead of the control socket.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(out, errOut)
	r.client = appclient.NewWithClient(baseURL, client)
	r.injected = true
	return r
}

func newRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		cfg = config.DefaultConfig()
	}
	return &Runner{
		cfg:    cfg,
		out:    out,
		errOut: errOut,
		plain:  color.NoColor || out != io.Writer(os.Stdout),
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	opts, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if opts.socket != "" && !r.injected {
		r.cfg.SocketPath = opts.socket
		r.client = appclient.New(opts.socket)
	}
	r.jsonOut = opts.json
	if opts.noColor {
		r.plain = true
	}
	if r.cfg.CommandTimeout > 0 {
		r.client = r.client.WithUnaryTimeout(r.cfg.CommandTimeout)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "sessions":
		return r.runSessions(ctx, rest[1:])
	case "pending":
		return r.runPending(ctx, rest[1:])
	case "respond":
		return r.runRespond(ctx, rest[1:])
	case "allow", "deny", "ask":
		return r.runRespond(ctx, append(rest[1:], rest[0]))
	case "cancel":
		return r.runCancel(ctx, rest[1:])
	case "history":
		return r.runHistory(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "integration":
		return r.runIntegration(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

type globalOptions struct {
	socket  string
	json    bool
	noColor bool
}

// parseGlobalArgs pulls global flags out of args wherever they appear.
func parseGlobalArgs(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--socket":
			if i+1 >= len(args) {
				return globalOptions{}, nil, fmt.Errorf("--socket requires value")
			}
			opts.socket = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--socket="):
			opts.socket = strings.TrimPrefix(args[i], "--socket=")
		case args[i] == "--json":
			opts.json = true
		case args[i] == "--no-color":
			opts.noColor = true
		default:
			rest = append(rest, args[i])
		}
	}
	if opts.socket != "" && strings.TrimSpace(opts.socket) == "" {
		return globalOptions{}, nil, fmt.Errorf("--socket requires value")
	}
	return opts, rest, nil
}

func (r *Runner) writeJSON(v any) int {
	raw, err := json.Marshal(v)
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = r.out.Write(raw)
	_, _ = fmt.Fprintln(r.out)
	return 0
}

func (r *Runner) usageErr(format string, args ...any) int {
	_, _ = fmt.Fprintf(r.errOut, format+"\n", args...)
	return 2
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: island [--socket <path>] [--json] [--no-color] <status|sessions|pending|respond|cancel|history|watch|integration> ...")
}
