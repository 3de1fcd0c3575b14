package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/hyperengineering/tether/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogHandler builds the process log handler. When cfg.File is set,
// output also goes to a size-rotated file.
func newLogHandler(cfg config.LogConfig, stdout io.Writer) (slog.Handler, func() error) {
	var out io.Writer = stdout
	closer := func() error { return nil }

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(stdout, rotated)
		closer = rotated.Close
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(out, opts), closer
	}
	return slog.NewJSONHandler(out, opts), closer
}

// setupLogger installs the process-wide logger and returns a func that
// closes the log file, if any.
func setupLogger(cfg config.LogConfig, stdout io.Writer) func() {
	handler, closer := newLogHandler(cfg, stdout)
	slog.SetDefault(slog.New(handler))
	return func() { closer() }
}
