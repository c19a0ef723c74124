// Package logging is the engine's structured-log surface: slog handlers
// with credential redaction on every sink, a TTY-aware console format, and
// a JSON file sink for the state directory's logs/current.log.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

// Logger wraps slog.Logger with the engine's sanitizer attached, so callers
// can redact strings destined for places other than the log (error fields
// in the task store, HTTP responses) with the same rules.
type Logger struct {
	*slog.Logger
	sanitizer *Sanitizer
}

// Config selects level, format, and sink for a logger.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // auto, text, json
	Output io.Writer // defaults to stderr; the engine's stdout is for command output
}

// New creates a logger writing to the configured sink. Format "auto" picks
// the colorized console handler on a terminal and JSON otherwise, so piped
// or redirected output stays machine-parseable.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{Level: level})
	default:
		if isTerminal(cfg.Output) {
			handler = NewPrettyHandler(cfg.Output, level)
		} else {
			handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{Level: level})
		}
	}

	sanitizer := NewSanitizer()
	return &Logger{
		Logger:    slog.New(NewSanitizingHandler(handler, sanitizer)),
		sanitizer: sanitizer,
	}
}

// NewWithFile builds a logger that writes the configured console format to
// cfg.Output and JSON lines to the file at path, creating parent
// directories as needed. Both sinks share one sanitizer.
func NewWithFile(cfg Config, path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	console := New(cfg)
	sanitizer := NewSanitizer()
	fileHandler := NewSanitizingHandler(
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: parseLevel(cfg.Level)}), sanitizer)

	return &Logger{
		Logger:    slog.New(newMultiHandler(console.Logger.Handler(), fileHandler)),
		sanitizer: sanitizer,
	}, nil
}

// NewNop creates a logger that discards everything, for tests and for
// components constructed without one.
func NewNop() *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sanitizer: NewSanitizer(),
	}
}

// WithTask returns a logger tagging every record with the task id, the
// engine's primary correlation key.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.With("task_id", taskID)
}

// With returns a logger carrying extra fields on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(args...),
		sanitizer: l.sanitizer,
	}
}

// Sanitizer returns the logger's sanitizer for callers that need to redact
// text bound for somewhere other than the log.
func (l *Logger) Sanitizer() *Sanitizer { return l.sanitizer }

// Sanitize redacts credentials from input using the logger's rules.
func (l *Logger) Sanitize(input string) string {
	return l.sanitizer.Sanitize(input)
}

func parseLevel(s string) slog.Level {
	switch s {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
