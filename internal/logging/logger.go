// Package logging builds the process logger from the app settings.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/sweeney/mqtt-automator/internal/config"
)

// Service is attached to every record.
const Service = "mqtt-automator"

// New creates a logger writing to w. Format is "json" or text (default);
// the level names follow the config file (DEBUG, INFO, WARNING, ERROR).
func New(app config.AppConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(app.LogLevel)}

	var handler slog.Handler
	switch strings.ToLower(app.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", Service),
	}))
}

// ParseLevel converts a level name to slog.Level. Unknown names yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
