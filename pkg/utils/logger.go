// Package utils holds small process-wide helpers shared by all services.
package utils

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// InitLogger configures the process-wide slog logger.
// The level is read from SHIELDAUTH_LOG_LEVEL (debug, info, warn, error);
// it defaults to info.
func InitLogger() {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		switch strings.ToLower(os.Getenv("SHIELDAUTH_LOG_LEVEL")) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// GetLogger returns the process-wide logger, initializing it on first use.
func GetLogger() *slog.Logger {
	InitLogger()
	return logger
}
