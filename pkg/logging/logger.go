package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type traceIDKey struct{}

// ContextWithTraceID attaches a trace id that WithContext will pick up.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// slogLogger implements Logger on top of log/slog.
type slogLogger struct {
	logger *slog.Logger
}

// New creates a Logger from the given configuration. The returned closer
// releases the log file when Output is "file" and is a no-op otherwise.
func New(cfg LogConfig) (Logger, io.Closer, error) {
	var out io.Writer
	var closer io.Closer = nopCloser{}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log file path is required for file output")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", cfg.Output)
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	return NewWithWriter(out, cfg.Format, level, cfg.IncludeCaller), closer, nil
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, format string, level slog.Level, includeCaller bool) Logger {
	opts := &slog.HandlerOptions{Level: level, AddSource: includeCaller}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &slogLogger{logger: slog.New(handler)}
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &slogLogger{logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel converts a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, toArgs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, toArgs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, toArgs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, toArgs(fields)...)
}

func (l *slogLogger) WithFields(fields ...Field) Logger {
	return &slogLogger{logger: l.logger.With(toArgs(fields)...)}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok && traceID != "" {
		return l.WithFields(F("trace_id", traceID))
	}
	return l
}

func (l *slogLogger) LogExecution(executionID string, event string, data map[string]interface{}) {
	args := []any{"execution_id", executionID, "event", event}
	if len(data) > 0 {
		args = append(args, "data", data)
	}
	l.logger.Info("execution event", args...)
}

func (l *slogLogger) LogConnectionEvent(clientID string, event string, data map[string]interface{}) {
	args := []any{"client_id", clientID, "event", event}
	if len(data) > 0 {
		args = append(args, "data", data)
	}
	l.logger.Info("connection event", args...)
}

func (l *slogLogger) LogSystemEvent(event string, data map[string]interface{}) {
	args := []any{"event", event}
	if len(data) > 0 {
		args = append(args, "data", data)
	}
	l.logger.Info("system event", args...)
}

func toArgs(fields []Field) []any {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
