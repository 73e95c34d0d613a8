package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"edfi_sync/internal/domain"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps caller mistakes to 2 and everything else to 1.
func exitCode(err error) int {
	var e *domain.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case domain.KindValidation, domain.KindConnectionNotFound, domain.KindJobNotFound,
			domain.KindConflictNotFound, domain.KindAlreadyResolved, domain.KindSyncAlreadyRunning,
			domain.KindMaxRetriesExceeded, domain.KindInvalidState:
			return 2
		}
	}
	return 1
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}
