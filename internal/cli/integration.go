package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/g960059/islandd/internal/integration"
)

func (r *Runner) runIntegration(_ context.Context, args []string) int {
	if len(args) == 0 {
		return r.usageErr("usage: island integration <install|doctor> [flags]")
	}
	switch args[0] {
	case "install":
		return r.runIntegrationInstall(args[1:])
	case "doctor":
		return r.runIntegrationDoctor(args[1:])
	default:
		return r.usageErr("unknown integration command: %s", args[0])
	}
}

func (r *Runner) runIntegrationInstall(args []string) int {
	fs := newFlagSet("integration install")
	home := fs.String("home", "", "home directory")
	settingsDir := fs.String("settings-dir", r.cfg.ClaudeSettingsDir, "Claude Code settings directory")
	hookBin := fs.String("hook-bin", r.defaultHookBin(), "hook command Claude Code runs")
	dryRun := fs.Bool("dry-run", false, "report changes without writing")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return r.usageErr("usage: island integration install [--home <dir>] [--settings-dir <dir>] [--hook-bin <path>] [--dry-run]")
	}
	res, err := integration.Install(integration.InstallOptions{
		HomeDir:     *home,
		SettingsDir: settingsDirFor(*home, *settingsDir, fs.Changed("settings-dir")),
		HookBin:     *hookBin,
		DryRun:      *dryRun,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		return r.writeJSON(res)
	}
	mode := "applied"
	if res.DryRun {
		mode = "dry-run"
	}
	_, _ = fmt.Fprintf(r.out, "integration install %s: %s\n", mode, res.SettingsPath)
	for _, path := range res.FilesWritten {
		_, _ = fmt.Fprintf(r.out, "  write %s\n", path)
	}
	for _, path := range res.Backups {
		_, _ = fmt.Fprintf(r.out, "  backup %s\n", path)
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintf(r.out, "  %s %s\n", r.paint(yellowAttr...).Sprint("warn:"), warn)
	}
	return 0
}

func (r *Runner) runIntegrationDoctor(args []string) int {
	fs := newFlagSet("integration doctor")
	home := fs.String("home", "", "home directory")
	settingsDir := fs.String("settings-dir", r.cfg.ClaudeSettingsDir, "Claude Code settings directory")
	hookBin := fs.String("hook-bin", r.defaultHookBin(), "hook command Claude Code runs")
	hookSocket := fs.String("hook-socket", r.cfg.HookSocketPath, "hook socket path")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return r.usageErr("usage: island integration doctor [--home <dir>] [--settings-dir <dir>] [--hook-bin <path>] [--hook-socket <path>]")
	}
	res, err := integration.Doctor(integration.DoctorOptions{
		HomeDir:        *home,
		SettingsDir:    settingsDirFor(*home, *settingsDir, fs.Changed("settings-dir")),
		HookBin:        *hookBin,
		HookSocketPath: *hookSocket,
	})
	if err != nil {
		return r.handleErr(err)
	}
	if r.jsonOut {
		if code := r.writeJSON(res); code != 0 {
			return code
		}
	} else {
		for _, check := range res.Checks {
			_, _ = fmt.Fprintf(r.out, "[%s] %s: %s", r.checkStatusText(check.Status), check.Name, check.Message)
			if check.Path != "" {
				_, _ = fmt.Fprintf(r.out, " (%s)", check.Path)
			}
			_, _ = fmt.Fprintln(r.out)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

func (r *Runner) checkStatusText(status string) string {
	label := strings.ToUpper(status)
	switch status {
	case "pass":
		return r.paint(greenAttr...).Sprint(label)
	case "warn":
		return r.paint(yellowAttr...).Sprint(label)
	default:
		return r.paint(redAttr...).Sprint(label)
	}
}

// settingsDirFor lets --home move the settings directory unless
// --settings-dir was given explicitly.
func settingsDirFor(home, settingsDir string, explicit bool) string {
	if explicit || strings.TrimSpace(home) == "" {
		return settingsDir
	}
	return ""
}

// defaultHookBin prefers the hook binary installed next to this one.
func (r *Runner) defaultHookBin() string {
	name := r.cfg.HookBinaryName
	if name == "" {
		name = "island-hook"
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	candidate := filepath.Join(filepath.Dir(exe), name)
	if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
		return candidate
	}
	return name
}
