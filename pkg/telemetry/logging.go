package telemetry

import (
	"context"
	"io"
	"log"
	"log/slog"
	"strings"
)

// ParseLogLevel converts a log level string ("debug", "info", "warn",
// "error") to the corresponding slog.Level. Unrecognized values default to
// LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigureLogging sets up the global slog logger against w at the given
// level, then redirects stdlib log.Printf output through slog at that same
// level so existing log.Printf call sites are never silenced by a stricter
// filter (e.g. level "warn": a log.Printf line still emits, at WARN).
//
// Call once at process startup, before the mesh or daemon start logging.
func ConfigureLogging(level string, w io.Writer) {
	lvl := ParseLogLevel(level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0) // slog adds its own timestamp
}

// slogWriter adapts stdlib log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}
