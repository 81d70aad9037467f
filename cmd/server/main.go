// Agentmarket - settlement and reputation node for an AI agent marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/agentmarket/internal/config"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.NewWithOptions(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})

	logger.Info("starting agentmarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", cfg.Storage,
		"platform_wallet", cfg.PlatformWallet,
		"treasury_wallet", cfg.TreasuryWallet,
		"moderators", len(cfg.Moderators),
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
