package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

type holder struct{ l Logger }

var defaultLogger atomic.Pointer[holder]

// Default returns the process-wide logger. Until SetDefault is called it
// discards everything.
func Default() Logger {
	if h := defaultLogger.Load(); h != nil {
		return h.l
	}
	return discard
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger.Store(&holder{l: l})
	}
}

var discard = New(Error+1, Text, io.Discard)

type slogLogger struct {
	level Level
	l     *slog.Logger
}

// New constructs a Logger with the given level, format, and output writer.
// A nil writer logs to stderr.
func New(level Level, format Format, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level.slog()}
	if level > Error {
		opts.Level = slog.LevelError + 4
	}
	var h slog.Handler
	switch format {
	case JSON:
		h = slog.NewJSONHandler(out, opts)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return &slogLogger{level: level, l: slog.New(h)}
}

// FromSlog adapts an existing slog logger.
func FromSlog(l *slog.Logger, level Level) Logger {
	return &slogLogger{level: level, l: l}
}

func (s *slogLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return s
	}
	return &slogLogger{level: s.level, l: s.l.With(attrs(fields)...)}
}

func (s *slogLogger) Enabled(level Level) bool { return level >= s.level }

func (s *slogLogger) Debug(msg string, fields ...Field) { s.log(Debug, msg, fields) }
func (s *slogLogger) Info(msg string, fields ...Field)  { s.log(Info, msg, fields) }
func (s *slogLogger) Warn(msg string, fields ...Field)  { s.log(Warn, msg, fields) }
func (s *slogLogger) Error(msg string, fields ...Field) { s.log(Error, msg, fields) }

func (s *slogLogger) log(level Level, msg string, fields []Field) {
	if level < s.level {
		return
	}
	s.l.Log(context.Background(), level.slog(), msg, attrs(fields)...)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
