// Package logger is the process-wide structured logging facade, a thin
// layer over log/slog.
//
// Initialize once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//
// Output is "stdout", "stderr", "syslog", or a file path. Format is
// "console" (text) or "json". Levels are debug, info, warn, error.
// The package-level functions log through the configured handler:
//
//	logger.Info("filter applied", "account_id", 123, "intents", 2)
//	logger.Debugf("retry: attempt %d failed: %v", n, err)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/migadu/sift/config"
)

var globalLogger *slog.Logger

// Initialize builds the global logger from configuration. When the output
// is a file path the returned handle must stay open for the process
// lifetime; it is nil for the other outputs. Initialization never fails
// hard: unreachable targets fall back to stderr with a warning.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	level := parseLogLevel(cfg.Level)

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = streamHandler(os.Stdout, cfg.Format, level)
	case "stderr":
		handler = streamHandler(os.Stderr, cfg.Format, level)
	case "syslog":
		handler = syslogOrFallback(cfg.Format, level)
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file %q: %v. Falling back to stderr.\n", output, err)
			handler = streamHandler(os.Stderr, cfg.Format, level)
			break
		}
		logFile = f
		handler = streamHandler(f, cfg.Format, level)
		// Panics and runtime noise should land in the same file.
		os.Stdout = f
		os.Stderr = f
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

func streamHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func syslogOrFallback(format string, level slog.Level) slog.Handler {
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.")
		return streamHandler(os.Stderr, format, level)
	}
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "sift")
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
		return streamHandler(os.Stderr, format, level)
	}
	return &syslogHandler{writer: w, level: level}
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

// syslogHandler adapts a syslog.Writer to slog.Handler. Attributes are
// flattened into the message text since syslog has no structured fields.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		kv := make([]any, 0, (len(h.attrs)+r.NumAttrs())*2)
		for _, a := range h.attrs {
			kv = append(kv, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			kv = append(kv, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, kv)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

func (h *syslogHandler) WithGroup(string) slog.Handler {
	// Groups degrade to flat attributes in syslog output.
	return h
}

// Get returns the configured logger, or slog's default before Initialize.
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Printf-style variants for call sites built around format strings.

func Debugf(format string, args ...any) {
	Get().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	Get().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	Get().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
}

// Fatalf logs at error level and exits.
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Sync flushes buffered output. slog writes synchronously, so this exists
// for the shutdown path's benefit only.
func Sync() error {
	return nil
}
