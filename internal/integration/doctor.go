package integration

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type DoctorOptions struct {
	HomeDir        string
	SettingsDir    string
	HookBin        string
	HookSocketPath string
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

func Doctor(opts DoctorOptions) (DoctorResult, error) {
	normalized, err := normalizeOptions(InstallOptions{
		HomeDir:     opts.HomeDir,
		SettingsDir: opts.SettingsDir,
		HookBin:     opts.HookBin,
	})
	if err != nil {
		return DoctorResult{}, err
	}

	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkHookBinary(normalized.HookBin))

	settingsPath := filepath.Join(normalized.SettingsDir, "settings.json")
	settingsCheck, err := checkClaudeSettings(settingsPath, normalized.HookBin)
	if err != nil {
		return DoctorResult{}, err
	}
	add(settingsCheck)

	if strings.TrimSpace(opts.HookSocketPath) != "" {
		add(checkHookSocket(opts.HookSocketPath))
	}
	return out, nil
}

func checkHookBinary(bin string) DoctorCheck {
	path, err := exec.LookPath(bin)
	if err != nil {
		return DoctorCheck{Name: "hook_binary", Status: "fail", Message: fmt.Sprintf("not found or not executable: %v", err), Path: bin}
	}
	return DoctorCheck{Name: "hook_binary", Status: "pass", Message: "installed", Path: path}
}

func checkClaudeSettings(path, hookBin string) (DoctorCheck, error) {
	raw, err := readOptional(path)
	if err != nil {
		return DoctorCheck{}, err
	}
	if len(raw) == 0 {
		return DoctorCheck{Name: "claude_settings", Status: "fail", Message: "settings.json not found or empty", Path: path}, nil
	}

	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return DoctorCheck{Name: "claude_settings", Status: "fail", Message: "invalid JSON", Path: path}, nil
	}
	hooks, _ := root["hooks"].(map[string]any)
	if hooks == nil {
		return DoctorCheck{Name: "claude_settings", Status: "fail", Message: "hooks object missing", Path: path}, nil
	}
	var missing []string
	for _, event := range HookEvents {
		if !containsClaudeHook(hooks[event], hookBin) {
			missing = append(missing, event)
		}
	}
	if len(missing) > 0 {
		return DoctorCheck{
			Name:    "claude_settings",
			Status:  "fail",
			Message: fmt.Sprintf("missing hook command for %s", strings.Join(missing, ", ")),
			Path:    path,
		}, nil
	}
	return DoctorCheck{Name: "claude_settings", Status: "pass", Message: "hooks configured", Path: path}, nil
}

func containsClaudeHook(raw any, hookBin string) bool {
	entries, _ := raw.([]any)
	for _, entryAny := range entries {
		entry, _ := entryAny.(map[string]any)
		if entry == nil {
			continue
		}
		hookList, _ := entry["hooks"].([]any)
		for _, hookAny := range hookList {
			hook, _ := hookAny.(map[string]any)
			if hook == nil {
				continue
			}
			command, _ := hook["command"].(string)
			if strings.Contains(command, hookBin) {
				return true
			}
		}
	}
	return false
}

// checkHookSocket warns when the daemon is not running and fails when
// something other than a socket occupies the path.
func checkHookSocket(path string) DoctorCheck {
	st, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: "hook_socket", Status: "warn", Message: "socket not found; is islandd running?", Path: path}
		}
		return DoctorCheck{Name: "hook_socket", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if st.Mode()&os.ModeSocket == 0 {
		return DoctorCheck{Name: "hook_socket", Status: "fail", Message: "path exists and is not a unix socket", Path: path}
	}
	return DoctorCheck{Name: "hook_socket", Status: "pass", Message: "listening", Path: path}
}
