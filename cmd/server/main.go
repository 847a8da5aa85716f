// chatgate - account status reconciliation for the chat service
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/chatgate/internal/config"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No configured logger yet.
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting chatgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"timezone", cfg.Timezone,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"remote_usage", cfg.UsageSourceURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
