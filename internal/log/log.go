// Package log provides structured logging for go-facecapture.
// It wraps slog with sensible defaults for production use.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *slog.Logger
	once   sync.Once
)

// Options controls logger construction.
type Options struct {
	Level string // "debug", "info", "warn", "error"

	// File, when set, also writes logs to a size-rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
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

// New builds a logger writing to w.
// JSON output is used when GO_ENV=production, text otherwise.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if os.Getenv("GO_ENV") == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init initializes the global logger with the specified level.
func Init(level string) {
	Setup(Options{Level: level})
}

// Setup initializes the global logger from opts. Only the first call wins.
func Setup(opts Options) {
	once.Do(func() {
		var w io.Writer = os.Stdout
		if opts.File != "" {
			rotating := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    orDefault(opts.MaxSizeMB, 20),
				MaxBackups: orDefault(opts.MaxBackups, 3),
				Compress:   true,
			}
			w = io.MultiWriter(os.Stdout, rotating)
		}
		logger = New(w, opts.Level)
		slog.SetDefault(logger)
	})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// L returns the global logger instance.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
