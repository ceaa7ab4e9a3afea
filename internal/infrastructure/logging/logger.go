package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
)

// Logger wraps slog.Logger with SmartAccess-specific defaults.
//
// Every entry carries the service name, instance and build version so that
// logs from several consumer processes sharing one queue can be told apart.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from the logging section of config.yaml.
//
// Output "discard" silences the logger entirely, which tests use.
func New(cfg config.LoggingConfig, svc config.ServiceConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	case "discard":
		output = io.Discard
	default:
		output = os.Stdout
	}

	return &Logger{Logger: slog.New(newHandler(output, cfg, svc, version))}
}

// newHandler builds the slog handler with the default attributes attached.
func newHandler(w io.Writer, cfg config.LoggingConfig, svc config.ServiceConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	attrs := []slog.Attr{
		slog.String("service", svc.Name),
		slog.String("version", version),
	}
	if svc.Instance != "" {
		attrs = append(attrs, slog.String("instance", svc.Instance))
	}
	return handler.WithAttrs(attrs)
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	outboxLogger := logger.With("component", "outbox")
//	outboxLogger.Info("batch published") // Includes component=outbox
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a logger for use before configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, config.ServiceConfig{Name: "smartaccess-core"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(config.LoggingConfig{Output: "discard"}, config.ServiceConfig{}, "")
}
