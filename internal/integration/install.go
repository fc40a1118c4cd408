// Package integration wires island-hook into Claude Code's settings and
// checks that the wiring is intact.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/g960059/islandd/internal/wire"
)

// PermissionHookTimeout is how long Claude Code lets the PermissionRequest
// hook run, in seconds. It matches the hook client's decision wait.
const PermissionHookTimeout = 300

// HookEvents are the Claude Code events island-hook is registered for.
var HookEvents = []string{
	wire.KindUserPromptSubmit,
	wire.KindPreToolUse,
	wire.KindPostToolUse,
	wire.KindPermissionRequest,
	wire.KindNotification,
	wire.KindStop,
	wire.KindSubagentStop,
	wire.KindSessionStart,
	wire.KindSessionEnd,
	wire.KindPreCompact,
}

// toolEvents take a tool matcher in settings.json.
var toolEvents = map[string]bool{
	wire.KindPreToolUse:        true,
	wire.KindPostToolUse:       true,
	wire.KindPermissionRequest: true,
}

type InstallOptions struct {
	HomeDir string
	// SettingsDir defaults to <home>/.claude.
	SettingsDir string
	// HookBin is the command Claude Code runs; defaults to island-hook.
	HookBin string
	DryRun  bool
}

type InstallResult struct {
	DryRun       bool     `json:"dry_run"`
	SettingsPath string   `json:"settings_path"`
	FilesWritten []string `json:"files_written,omitempty"`
	Backups      []string `json:"backups,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

type hookCommand struct {
	Command string
	Timeout int
}

func Install(opts InstallOptions) (InstallResult, error) {
	normalized, err := normalizeOptions(opts)
	if err != nil {
		return InstallResult{}, err
	}
	settingsPath := filepath.Join(normalized.SettingsDir, "settings.json")
	res := InstallResult{DryRun: normalized.DryRun, SettingsPath: settingsPath}

	if !filepath.IsAbs(normalized.HookBin) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is not an absolute path; it must be on the PATH Claude Code runs hooks with", normalized.HookBin))
	}

	commands := make(map[string]hookCommand, len(HookEvents))
	for _, event := range HookEvents {
		cmd := hookCommand{Command: normalized.HookBin}
		if event == wire.KindPermissionRequest {
			cmd.Timeout = PermissionHookTimeout
		}
		commands[event] = cmd
	}
	if err := mergeClaudeSettings(settingsPath, commands, normalized.DryRun, &res); err != nil {
		return InstallResult{}, err
	}
	return res, nil
}

func normalizeOptions(opts InstallOptions) (InstallOptions, error) {
	normalized := opts
	if strings.TrimSpace(normalized.HomeDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return InstallOptions{}, fmt.Errorf("resolve home dir: %w", err)
		}
		normalized.HomeDir = home
	}
	if strings.TrimSpace(normalized.SettingsDir) == "" {
		normalized.SettingsDir = filepath.Join(normalized.HomeDir, ".claude")
	}
	if strings.TrimSpace(normalized.HookBin) == "" {
		normalized.HookBin = "island-hook"
	}
	normalized.HookBin = strings.TrimSpace(normalized.HookBin)
	return normalized, nil
}

func mergeClaudeSettings(path string, commands map[string]hookCommand, dryRun bool, res *InstallResult) error {
	raw, err := readOptional(path)
	if err != nil {
		return err
	}

	updated, changed, err := applyClaudeCommands(raw, commands)
	if err != nil {
		return fmt.Errorf("merge claude settings: %w", err)
	}
	if !changed {
		return nil
	}
	return writeManagedFile(path, string(updated), 0o600, dryRun, res)
}

func applyClaudeCommands(raw []byte, commands map[string]hookCommand) ([]byte, bool, error) {
	var root map[string]any
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		root = map[string]any{}
	} else if err := json.Unmarshal(raw, &root); err != nil {
		return nil, false, fmt.Errorf("invalid JSON")
	}

	hooks := map[string]any{}
	if existing, ok := root["hooks"]; ok {
		asMap, ok := existing.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("hooks must be object")
		}
		hooks = asMap
	}

	changed := false
	for event, cmd := range commands {
		entryList, _ := hooks[event].([]any)
		if entryList == nil {
			entryList = []any{}
		}
		matcher := ""
		if toolEvents[event] {
			matcher = "*"
		}
		idx := findMatcherEntry(entryList, matcher)
		if idx < 0 {
			entry := map[string]any{"hooks": []any{}}
			if matcher != "" {
				entry["matcher"] = matcher
			}
			entryList = append(entryList, entry)
			idx = len(entryList) - 1
			changed = true
		}
		entry, ok := entryList[idx].(map[string]any)
		if !ok {
			entry = map[string]any{"hooks": []any{}}
		}
		hookList, _ := entry["hooks"].([]any)
		if hookList == nil {
			hookList = []any{}
		}
		if i := findHookCommand(hookList, cmd.Command); i < 0 {
			hook := map[string]any{
				"type":    "command",
				"command": cmd.Command,
			}
			if cmd.Timeout > 0 {
				hook["timeout"] = cmd.Timeout
			}
			hookList = append(hookList, hook)
			changed = true
		} else if cmd.Timeout > 0 {
			hook, _ := hookList[i].(map[string]any)
			if current, _ := hook["timeout"].(float64); int(current) != cmd.Timeout {
				hook["timeout"] = cmd.Timeout
				changed = true
			}
		}
		entry["hooks"] = hookList
		entryList[idx] = entry
		hooks[event] = entryList
	}
	root["hooks"] = hooks

	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("marshal claude settings: %w", err)
	}
	out = append(out, '\n')

	if !changed && bytes.Equal(bytes.TrimSpace(raw), bytes.TrimSpace(out)) {
		return out, false, nil
	}
	return out, true, nil
}

// findMatcherEntry finds the entry for matcher; "" matches entries that
// have no matcher.
func findMatcherEntry(entries []any, matcher string) int {
	for i, v := range entries {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(toString(m["matcher"])) == matcher {
			return i
		}
	}
	return -1
}

func findHookCommand(hooks []any, command string) int {
	for i, h := range hooks {
		m, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if strings.TrimSpace(toString(m["command"])) == strings.TrimSpace(command) {
			return i
		}
	}
	return -1
}

func writeManagedFile(path, content string, perm os.FileMode, dryRun bool, res *InstallResult) error {
	existing, err := readOptional(path)
	if err != nil {
		return err
	}
	if bytes.Equal(existing, []byte(content)) {
		return nil
	}

	if dryRun {
		res.FilesWritten = append(res.FilesWritten, path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if len(existing) > 0 {
		backupPath := fmt.Sprintf("%s.bak.%d", path, time.Now().UTC().UnixNano())
		if err := os.WriteFile(backupPath, existing, 0o600); err != nil {
			return fmt.Errorf("write backup %s: %w", backupPath, err)
		}
		res.Backups = append(res.Backups, backupPath)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UTC().UnixNano())
	if err := os.WriteFile(tmpPath, []byte(content), perm); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file %s: %w", path, err)
	}
	res.FilesWritten = append(res.FilesWritten, path)
	return nil
}

func readOptional(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if os.IsNotExist(err) {
		return nil, nil
	}
	return nil, fmt.Errorf("read file %s: %w", path, err)
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
