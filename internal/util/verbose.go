package util

import (
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"
)

var logger *slog.Logger

// InitLogger initializes the global slog logger with appropriate level.
// The logrus standard logger used by the streaming core follows the same level.
func InitLogger(verbose bool) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo, // Default level
	}
	logrus.SetLevel(logrus.InfoLevel)

	if verbose {
		opts.Level = slog.LevelDebug
		logrus.SetLevel(logrus.DebugLevel)
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger = slog.New(handler)
	slog.SetDefault(logger)

	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		// Fallback initialization with INFO level
		InitLogger(false)
	}
	return logger
}

// IsVerbose checks if verbose mode is enabled by looking at command line arguments
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" || arg == "-v" {
			return true
		}
	}
	return false
}
