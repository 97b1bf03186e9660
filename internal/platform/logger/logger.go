package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects how console records are written.
type Format int

const (
	// FormatText is colored tint output for a person at a terminal.
	FormatText Format = iota
	// FormatJSON is one JSON object per line, which Relay turns back into records.
	// Workers log this way to stderr.
	FormatJSON
)

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // default info
	FileLevel    string // default debug
	File         string // rotated JSON log; none when empty
	App          string
	// Console defaults to os.Stderr. Stdout belongs to query results and, in a
	// worker, to protocol responses.
	Console io.Writer
	Format  Format
}

// New builds the logger and returns a func that closes its log file, if any.
func New(o Options) (*slog.Logger, func() error) {
	console := o.Console
	if console == nil {
		console = os.Stderr
	}

	h := consoleHandler(console, o)
	closeFn := func() error { return nil }

	if o.File != "" {
		w := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		file := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       ParseLevel(o.FileLevel, slog.LevelDebug),
			ReplaceAttr: redact,
		})
		h = fanout{h, file}
		closeFn = w.Close
	}

	attrs := []any{slog.String("app", o.App)}
	if o.Env != "" {
		attrs = append(attrs, slog.String("env", o.Env))
	}
	return slog.New(h).With(attrs...), closeFn
}

func consoleHandler(w io.Writer, o Options) slog.Handler {
	level := ParseLevel(o.ConsoleLevel, slog.LevelInfo)
	if o.Format == FormatJSON {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: redact})
	}
	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: timeFormat, ReplaceAttr: redact})
}

// ParseLevel reads a level name such as "debug" or "WARN" and returns def when s is
// empty or unknown.
func ParseLevel(s string, def slog.Level) slog.Level {
	var l slog.Level
	if s == "" || l.UnmarshalText([]byte(s)) != nil {
		return def
	}
	return l
}

// redactedKeys never reach a sink. "key" is the encryption key carried by open.
var redactedKeys = map[string]bool{
	"key":            true,
	"encryption_key": true,
	"password":       true,
	"secret":         true,
	"token":          true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// fanout hands each record to every handler enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
