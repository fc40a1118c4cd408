package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/g960059/islandd/internal/api"
	"github.com/g960059/islandd/internal/appclient"
	"github.com/g960059/islandd/internal/security"
	"github.com/g960059/islandd/internal/wire"
)

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return r.usageErr("usage: island status")
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(health)
	}
	status := health.Status
	if status == "ok" {
		status = r.paint(greenAttr...).Sprint(status)
	} else {
		status = r.paint(redAttr...).Sprint(status)
	}
	_, _ = fmt.Fprintf(r.out, "daemon %s stream=%s\n", status, health.StreamID)
	_, _ = fmt.Fprintf(r.out, "hook socket %s running=%t\n", health.HookSocket, health.HookRunning)
	_, _ = fmt.Fprintf(r.out, "sessions=%d pending=%d cached_ids=%d stream_clients=%d audit=%t\n",
		health.Sessions, health.Pending, health.CachedIDs, health.StreamClients, health.AuditEnabled)
	return 0
}

func (r *Runner) runSessions(ctx context.Context, args []string) int {
	if len(args) != 0 {
		return r.usageErr("usage: island sessions")
	}
	env, err := r.client.ListSessions(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(env)
	}
	if len(env.Sessions) == 0 {
		_, _ = fmt.Fprintln(r.out, r.dim("no sessions"))
		return 0
	}
	for _, s := range env.Sessions {
		marker := " "
		if s.HasPending {
			marker = r.paint(redAttr...).Sprint("!")
		}
		_, _ = fmt.Fprintf(r.out, "%s %s\t%s\t%s\t%s\t%s\n",
			marker, s.SessionID, r.phaseText(s.Phase), orDash(s.LastTool), orDash(s.CWD), shortTime(s.UpdatedAt))
	}
	return 0
}

func (r *Runner) runPending(ctx context.Context, args []string) int {
	fs := newFlagSet("pending")
	session := fs.String("session", "", "only requests for this session")
	if err := fs.Parse(args); err != nil || fs.NArg() > 1 {
		return r.usageErr("usage: island pending [<tool-use-id>] [--session <id>]")
	}
	if fs.NArg() == 1 {
		env, err := r.client.GetPending(ctx, fs.Arg(0))
		if err != nil {
			return r.handleErr(err)
		}
		if r.jsonOut {
			return r.writeJSON(env)
		}
		r.printPending(env.Pending)
		return 0
	}
	env, err := r.client.ListPending(ctx, *session)
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(env)
	}
	if len(env.Pending) == 0 {
		_, _ = fmt.Fprintln(r.out, r.dim("no pending requests"))
		return 0
	}
	for _, p := range env.Pending {
		r.printPending(p)
	}
	return 0
}

func (r *Runner) printPending(p api.PendingItem) {
	age := time.Duration(p.AgeSeconds * float64(time.Second)).Round(time.Second)
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", p.ToolUseID, p.SessionID, orDash(p.Tool), age)
	if preview := security.PreviewToolInput(p.ToolInput, security.DefaultPreviewBytes); preview != "" {
		_, _ = fmt.Fprintf(r.out, "  %s\n", r.dim(preview))
	}
}

func (r *Runner) runRespond(ctx context.Context, args []string) int {
	fs := newFlagSet("respond")
	session := fs.String("session", "", "respond to the oldest request of this session")
	reason := fs.String("reason", "", "reason passed back to the agent")
	const usage = "usage: island respond <tool-use-id|--session <id>> <allow|deny|ask> [--reason <text>]"
	if err := fs.Parse(args); err != nil {
		return r.usageErr(usage)
	}
	rest := fs.Args()
	var target, raw string
	switch {
	case *session != "" && len(rest) == 1:
		raw = rest[0]
	case *session == "" && len(rest) == 2:
		target, raw = rest[0], rest[1]
	default:
		return r.usageErr(usage)
	}
	decision, err := wire.ParseDecision(raw)
	if err != nil {
		return r.usageErr("invalid decision %q: want allow, deny, or ask", raw)
	}

	var resp api.RespondResponse
	if *session != "" {
		resp, err = r.client.RespondSession(ctx, *session, string(decision), *reason)
	} else {
		resp, err = r.client.Respond(ctx, target, string(decision), *reason)
	}
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s %s: %s\n", r.decisionText(resp.Decision), resp.ToolUseID, r.outcomeText(resp.Outcome))
	return 0
}

func (r *Runner) runCancel(ctx context.Context, args []string) int {
	fs := newFlagSet("cancel")
	session := fs.String("session", "", "cancel every request of this session")
	const usage = "usage: island cancel <tool-use-id|--session <id>>"
	if err := fs.Parse(args); err != nil {
		return r.usageErr(usage)
	}
	var (
		resp api.CancelResponse
		err  error
	)
	switch {
	case *session != "" && fs.NArg() == 0:
		resp, err = r.client.CancelSession(ctx, *session)
	case *session == "" && fs.NArg() == 1:
		resp, err = r.client.Cancel(ctx, fs.Arg(0))
	default:
		return r.usageErr(usage)
	}
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(resp)
	}
	target := resp.ToolUseID
	if target == "" {
		target = "session " + resp.SessionID
	}
	_, _ = fmt.Fprintf(r.out, "cancelled %d request(s) for %s\n", resp.Cancelled, target)
	return 0
}

func (r *Runner) runHistory(ctx context.Context, args []string) int {
	fs := newFlagSet("history")
	limit := fs.Int("limit", 0, "maximum decisions to show")
	session := fs.String("session", "", "only decisions for this session")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 || *limit < 0 {
		return r.usageErr("usage: island history [--limit <n>] [--session <id>]")
	}
	env, err := r.client.History(ctx, appclient.HistoryOptions{Limit: *limit, SessionID: *session})
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(env)
	}
	if len(env.Decisions) == 0 {
		_, _ = fmt.Fprintln(r.out, r.dim("no decisions recorded"))
		return 0
	}
	for _, d := range env.Decisions {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortTime(d.DecidedAt), d.SessionID, orDash(d.Tool), r.decisionText(d.Decision), r.outcomeText(d.Outcome), orDash(d.Source))
		if d.Reason != "" {
			_, _ = fmt.Fprintf(r.out, "  reason: %s\n", d.Reason)
		}
	}
	return 0
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := newFlagSet("watch")
	once := fs.Bool("once", false, "exit when the stream closes instead of reconnecting")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return r.usageErr("usage: island watch [--once]")
	}
	err := r.client.WatchLoop(ctx, appclient.WatchLoopOptions{Once: *once}, func(msg api.StreamMessage) error {
		if r.jsonOut {
			if code := r.writeJSON(msg); code != 0 {
				return fmt.Errorf("write stream message")
			}
			return nil
		}
		r.printStreamMessage(msg)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return 0
		}
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) printStreamMessage(msg api.StreamMessage) {
	stamp := msg.EmittedAt.Local().Format("15:04:05")
	switch msg.Type {
	case api.StreamSnapshot:
		_, _ = fmt.Fprintf(r.out, "%s snapshot sessions=%d pending=%d\n", stamp, len(msg.Sessions), len(msg.Pending))
	case api.StreamEvent:
		if msg.Event == nil {
			return
		}
		line := fmt.Sprintf("%s %s %s %s", stamp, msg.Event.SessionID, msg.Event.Kind, msg.Event.Status)
		if tool := msg.Event.ToolName(); tool != "" {
			line += " " + tool
		}
		if msg.Event.ExpectsResponse() {
			line = r.paint(redAttr...).Sprint(line)
		}
		_, _ = fmt.Fprintln(r.out, line)
	case api.StreamDecision:
		_, _ = fmt.Fprintf(r.out, "%s %s decision %s %s %s\n",
			stamp, msg.SessionID, r.decisionText(msg.Decision), msg.ToolUseID, r.outcomeText(msg.Outcome))
	case api.StreamDeliveryFailed:
		_, _ = fmt.Fprintf(r.out, "%s %s %s %s\n", stamp, msg.SessionID, r.paint(redAttr...).Sprint("delivery failed"), msg.ToolUseID)
	case api.StreamSessionReaped:
		_, _ = fmt.Fprintf(r.out, "%s %s %s\n", stamp, msg.SessionID, r.dim("reaped"))
	default:
		_, _ = fmt.Fprintf(r.out, "%s %s\n", stamp, strings.TrimSpace(msg.Type))
	}
}
