package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shieldauth/shieldauth/pkg/config"
	"github.com/shieldauth/shieldauth/pkg/utils"
)

func main() {
	utils.InitLogger()
	logger := utils.GetLogger()

	cfg, path, err := config.Load()
	if err != nil {
		logger.Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	if _, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("Failed to write default config", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start blocks until the signal context is cancelled and the graceful
	// shutdown has drained.
	if err := server.Start(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
