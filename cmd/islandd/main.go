package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/g960059/islandd/internal/config"
	"github.com/g960059/islandd/internal/daemon"
	"github.com/g960059/islandd/internal/db"
	"github.com/g960059/islandd/internal/logging"
)

func main() {
	configPath := pflag.String("config", config.DefaultConfigPath(), "YAML config path")
	socket := pflag.String("socket", "", "control API socket path")
	hookSocket := pflag.String("hook-socket", "", "hook socket path")
	auditDB := pflag.String("audit-db", "", "SQLite audit trail path")
	logLevel := pflag.String("log-level", "", "debug, info, warn, or error")
	logFormat := pflag.String("log-format", "", "json or console")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	overrides := []struct {
		dst *string
		v   string
	}{
		{&cfg.SocketPath, *socket},
		{&cfg.HookSocketPath, *hookSocket},
		{&cfg.AuditDBPath, *auditDB},
		{&cfg.LogLevel, *logLevel},
		{&cfg.LogFormat, *logFormat},
	}
	for _, o := range overrides {
		if o.v != "" {
			*o.dst = o.v
		}
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *db.Store
	if cfg.AuditDBPath != "" {
		store, err = db.OpenMigrated(ctx, cfg.AuditDBPath)
		if err != nil {
			logger.Error("open audit db", zap.String("path", cfg.AuditDBPath), zap.Error(err))
			fatal(err)
		}
		defer store.Close() //nolint:errcheck
		startRetentionLoop(ctx, store, cfg.AuditRetention, logger)
	}

	srv := daemon.NewServer(cfg, daemon.Deps{Logger: logger, Store: store})
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited", zap.Error(err))
		fatal(err)
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	purgeAudit(ctx, store, retention, time.Now().UTC(), logger)
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				purgeAudit(ctx, store, retention, now.UTC(), logger)
			}
		}
	}()
}

func purgeAudit(ctx context.Context, store *db.Store, retention time.Duration, now time.Time, logger *zap.Logger) int64 {
	n, err := store.PurgeDecisionsBefore(ctx, now.Add(-retention))
	if err != nil {
		logger.Warn("audit retention purge failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		logger.Info("audit retention purge", zap.Int64("deleted", n), zap.Duration("retention", retention))
	}
	return n
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "islandd: %v\n", err)
	os.Exit(1)
}
