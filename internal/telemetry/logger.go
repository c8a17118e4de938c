package telemetry

import (
	"io"
	"log/slog"
	"strings"

	"github.com/af-corp/aegis-assistant/internal/config"
)

// NewLogger builds the process logger: JSON unless the config asks for text.
func NewLogger(w io.Writer, cfg config.TelemetryConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
