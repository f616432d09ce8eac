package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps a level name to a slog level.
// logLevel: "info", "debug", "warn", "error"
func ParseLevel(logLevel string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "info":
		return slog.LevelInfo, nil
	default:
		return slog.LevelInfo, errors.New("invalid logLevel: " + logLevel)
	}
}

// New sets up the slog logger with level and format from arguments.
// logLevel: "info", "debug", "warn", "error"
// logFormat: "json" or "text"
// Logs go to stderr so stdout stays clean for command output.
func New(logLevel, logFormat string) (*slog.Logger, error) {
	return newLogger(os.Stderr, logLevel, logFormat)
}

// NewWithFile behaves like New and additionally writes JSON logs to path.
// The returned close function releases the file.
func NewWithFile(logLevel, logFormat, path string) (*slog.Logger, func() error, error) {
	if strings.TrimSpace(path) == "" {
		l, err := New(logLevel, logFormat)
		return l, func() error { return nil }, err
	}
	console, err := buildHandler(os.Stderr, logLevel, logFormat)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	file, err := buildHandler(f, logLevel, "json")
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	logger := slog.New(slogmulti.Fanout(console, file))
	slog.SetDefault(logger)
	return logger, f.Close, nil
}

func newLogger(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	handler, err := buildHandler(w, logLevel, logFormat)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func buildHandler(w io.Writer, logLevel, logFormat string) (slog.Handler, error) {
	if strings.TrimSpace(logLevel) == "" || strings.TrimSpace(logFormat) == "" {
		return nil, errors.New("logLevel and logFormat must not be empty")
	}
	level, err := ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{Key: "timestamp", Value: a.Value}
			}
			return a
		},
	}
	switch strings.ToLower(logFormat) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, errors.New("invalid logFormat: " + logFormat)
	}
}
