package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ConfigureLogger installs the default slog logger.
//
// Valid levels are "none", "error", "warn", "info" and "debug"; debug
// forces debug level regardless. With an empty logFile the logger writes
// text to stderr, otherwise JSON to the file, which the caller must close.
func ConfigureLogger(level, logFile string, debug bool) (*os.File, error) {
	opts := slog.HandlerOptions{}
	if debug {
		level = "debug"
	}

	switch level {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info", "":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unexpected log level %q", level)
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &opts)))
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &opts)))
	return f, nil
}
