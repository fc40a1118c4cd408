// Command island-hook is registered as a Claude Code hook. It forwards the
// hook event to islandd and, for permission requests, prints the decision.
package main

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/config"
	"github.com/g960059/islandd/internal/hookclient"
	"github.com/g960059/islandd/internal/logging"
)

func main() {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		cfg = config.DefaultConfig()
		if v := strings.TrimSpace(os.Getenv("ISLAND_HOOK_SOCKET")); v != "" {
			cfg.HookSocketPath = v
		}
	}

	// Claude Code owns stdout and stderr, so debug logs go to a file.
	logger := zap.NewNop()
	if path := strings.TrimSpace(os.Getenv("ISLAND_HOOK_DEBUG")); path != "" {
		if l, err := logging.NewFile(path, "debug"); err == nil {
			logger = l
		}
	}

	opts := hookclient.Options{
		SocketPath:      cfg.HookSocketPath,
		DialTimeout:     cfg.ConnectTimeout,
		DecisionTimeout: cfg.DecisionTimeout,
		Logger:          logger,
	}
	code := hookclient.Run(context.Background(), os.Stdin, os.Stdout, opts)
	_ = logger.Sync()
	os.Exit(code)
}
