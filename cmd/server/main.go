// PayBeam - escrow invoice payments over a token ledger
package main

import (
	"context"
	"os"

	"github.com/paybeam/paybeam/internal/config"
	"github.com/paybeam/paybeam/internal/logging"
	"github.com/paybeam/paybeam/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config tells us the level and format
	logger := logging.New("info", "text")

	logger.Info("starting paybeam",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"escrow_address", cfg.EscrowAddress,
		"asset", cfg.EscrowAsset,
		"storage", storageKind(cfg),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
