package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultHookSocketPath = "/tmp/claude-island.sock"

type Config struct {
	// HookSocketPath is where hook clients connect. Mode 0666.
	HookSocketPath string
	// SocketPath is the control API socket. Mode 0600.
	SocketPath string
	// AuditDBPath enables the SQLite decision trail when non-empty.
	AuditDBPath string
	// AuditRetention drops audit records older than this. Zero keeps them.
	AuditRetention time.Duration
	LogLevel       string
	LogFormat      string

	ReadTimeout       time.Duration
	QuiescenceWindow  time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	ReapInterval      time.Duration
	ConnectTimeout    time.Duration
	DecisionTimeout   time.Duration
	StreamSendBuffer  int
	HistoryLimit      int
	ShutdownTimeout   time.Duration
	CommandTimeout    time.Duration
	HookBinaryName    string
	ClaudeSettingsDir string
}

func DefaultConfig() Config {
	return Config{
		HookSocketPath:    DefaultHookSocketPath,
		SocketPath:        defaultSocketPath(),
		AuditRetention:    30 * 24 * time.Hour,
		LogLevel:          "info",
		LogFormat:         "json",
		ReadTimeout:       500 * time.Millisecond,
		QuiescenceWindow:  50 * time.Millisecond,
		WriteTimeout:      2 * time.Second,
		MaxMessageBytes:   1 << 20,
		ReapInterval:      5 * time.Second,
		ConnectTimeout:    3 * time.Second,
		DecisionTimeout:   300 * time.Second,
		StreamSendBuffer:  64,
		HistoryLimit:      50,
		ShutdownTimeout:   5 * time.Second,
		CommandTimeout:    10 * time.Second,
		HookBinaryName:    "island-hook",
		ClaudeSettingsDir: defaultClaudeSettingsDir(),
	}
}

// fileConfig mirrors Config for YAML. Durations are Go duration strings.
type fileConfig struct {
	HookSocket       *string `yaml:"hook_socket"`
	ControlSocket    *string `yaml:"control_socket"`
	AuditDB          *string `yaml:"audit_db"`
	AuditRetention   *string `yaml:"audit_retention"`
	LogLevel         *string `yaml:"log_level"`
	LogFormat        *string `yaml:"log_format"`
	ReadTimeout      *string `yaml:"read_timeout"`
	QuiescenceWindow *string `yaml:"quiescence_window"`
	WriteTimeout     *string `yaml:"write_timeout"`
	MaxMessageBytes  *int64  `yaml:"max_message_bytes"`
	ReapInterval     *string `yaml:"reap_interval"`
	DecisionTimeout  *string `yaml:"decision_timeout"`
	StreamSendBuffer *int    `yaml:"stream_send_buffer"`
	HistoryLimit     *int    `yaml:"history_limit"`
}

// Load returns DefaultConfig overlaid with the YAML file at path (a missing
// file is not an error) and then with ISLAND_* environment variables.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyYAML(data); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return err
	}
	setString(&c.HookSocketPath, fc.HookSocket)
	setString(&c.SocketPath, fc.ControlSocket)
	setString(&c.AuditDBPath, fc.AuditDB)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	durations := []struct {
		name string
		dst  *time.Duration
		raw  *string
	}{
		{"read_timeout", &c.ReadTimeout, fc.ReadTimeout},
		{"quiescence_window", &c.QuiescenceWindow, fc.QuiescenceWindow},
		{"write_timeout", &c.WriteTimeout, fc.WriteTimeout},
		{"reap_interval", &c.ReapInterval, fc.ReapInterval},
		{"decision_timeout", &c.DecisionTimeout, fc.DecisionTimeout},
		{"audit_retention", &c.AuditRetention, fc.AuditRetention},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(*d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	if fc.MaxMessageBytes != nil {
		c.MaxMessageBytes = *fc.MaxMessageBytes
	}
	if fc.StreamSendBuffer != nil {
		c.StreamSendBuffer = *fc.StreamSendBuffer
	}
	if fc.HistoryLimit != nil {
		c.HistoryLimit = *fc.HistoryLimit
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv("ISLAND_HOOK_SOCKET")); v != "" {
		c.HookSocketPath = v
	}
	if v := strings.TrimSpace(getenv("ISLAND_CONTROL_SOCKET")); v != "" {
		c.SocketPath = v
	}
	if v := strings.TrimSpace(getenv("ISLAND_AUDIT_DB")); v != "" {
		c.AuditDBPath = v
	}
	if v := strings.TrimSpace(getenv("ISLAND_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HookSocketPath) == "" {
		return fmt.Errorf("hook socket path is required")
	}
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("control socket path is required")
	}
	if c.HookSocketPath == c.SocketPath {
		return fmt.Errorf("hook and control sockets must differ: %s", c.SocketPath)
	}
	if c.ReadTimeout <= 0 || c.QuiescenceWindow <= 0 {
		return fmt.Errorf("read_timeout and quiescence_window must be positive")
	}
	if c.QuiescenceWindow > c.ReadTimeout {
		return fmt.Errorf("quiescence_window %s exceeds read_timeout %s", c.QuiescenceWindow, c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("audit_retention must not be negative")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive")
	}
	return nil
}

func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "island", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "island.yaml"
	}
	return filepath.Join(home, ".config", "island", "config.yaml")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "island", "islandd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".islandd.sock"
	}
	return filepath.Join(home, ".local", "state", "island", "islandd.sock")
}

func defaultClaudeSettingsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
