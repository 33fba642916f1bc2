package obs

import (
	"log/slog"
	"os"
	"strings"
)

// Log is the application-wide structured logger. The core components log
// through it via Info/Warn/Error/Debug below; each call site chooses its
// own attributes, and no processor_id or phase attribute is added to those
// lines.
var Log *slog.Logger

func init() {
	Log = NewLogger()
}

// NewLogger builds a JSON structured logger with level read from LOG_LEVEL
// (DEBUG, INFO, WARN, ERROR; default INFO).
func NewLogger() *slog.Logger {
	levelStr := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	if levelStr == "" {
		levelStr = "INFO"
	}

	var level slog.Level
	switch levelStr {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// Info logs an info-level message with attributes.
func Info(msg string, attrs ...any) {
	if Log != nil {
		Log.Info(msg, attrs...)
	}
}

// Warn logs a warning-level message with attributes.
func Warn(msg string, attrs ...any) {
	if Log != nil {
		Log.Warn(msg, attrs...)
	}
}

// Error logs an error-level message with attributes.
func Error(msg string, attrs ...any) {
	if Log != nil {
		Log.Error(msg, attrs...)
	}
}

// Debug logs a debug-level message with attributes.
func Debug(msg string, attrs ...any) {
	if Log != nil {
		Log.Debug(msg, attrs...)
	}
}

// ForProcessor returns a logger pre-bound with processor_id. The
// package-level Info/Warn/Error/Debug helpers do not go through it.
func ForProcessor(processorID string) *slog.Logger {
	if Log == nil {
		return slog.Default()
	}
	return Log.With(slog.String("processor_id", processorID))
}
