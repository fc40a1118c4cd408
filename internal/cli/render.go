package cli

import (
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/g960059/islandd/internal/model"
)

func (r *Runner) paint(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if r.plain {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

func (r *Runner) decisionText(decision string) string {
	switch decision {
	case "allow":
		return r.paint(color.FgGreen, color.Bold).Sprint(decision)
	case "deny":
		return r.paint(color.FgRed, color.Bold).Sprint(decision)
	case "ask":
		return r.paint(color.FgYellow).Sprint(decision)
	case "":
		return r.paint(color.FgHiBlack).Sprint("-")
	default:
		return decision
	}
}

func (r *Runner) outcomeText(outcome string) string {
	switch model.DecisionOutcome(outcome) {
	case model.OutcomeDelivered:
		return r.paint(color.FgGreen).Sprint(outcome)
	case model.OutcomeFailed:
		return r.paint(color.FgRed).Sprint(outcome)
	default:
		return r.paint(color.FgHiBlack).Sprint(outcome)
	}
}

func (r *Runner) phaseText(phase string) string {
	switch model.SessionPhase(phase) {
	case model.PhaseWaitingApproval:
		return r.paint(color.FgRed, color.Bold).Sprint(phase)
	case model.PhaseWaitingInput:
		return r.paint(color.FgYellow).Sprint(phase)
	case model.PhaseRunning:
		return r.paint(color.FgGreen).Sprint(phase)
	case model.PhaseCompacting:
		return r.paint(color.FgCyan).Sprint(phase)
	default:
		return r.paint(color.FgHiBlack).Sprint(phase)
	}
}

func (r *Runner) dim(s string) string {
	return r.paint(color.FgHiBlack).Sprint(s)
}

// shortTime renders an RFC3339 timestamp as local clock time.
func shortTime(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("15:04:05")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

var (
	greenAttr  = []color.Attribute{color.FgGreen}
	redAttr    = []color.Attribute{color.FgRed}
	yellowAttr = []color.Attribute{color.FgYellow}
)
