package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

var (
	defaultLogger *slog.Logger
	once          sync.Once
	logFile       *os.File
)

// Options configures the global logger.
type Options struct {
	Level  slog.Level // Level is the minimum level written to every sink
	Prefix string     // Prefix is printed before console lines (usually the short node id)
	Path   string     // Path is an optional log file receiving the same records
}

// Init initializes the global logger with a console sink and an optional file sink.
// Only the first call has an effect.
func Init(opts Options) error {
	var initErr error

	once.Do(func() {
		handlers := []slog.Handler{
			tint.NewHandler(os.Stderr, &tint.Options{
				Level:        opts.Level,
				TimeFormat:   "15:04:05.000",
				CustomPrefix: opts.Prefix,
			}),
		}

		if opts.Path != "" {
			f, err := openLogFile(opts.Path)
			if err != nil {
				initErr = err
				return
			}

			logFile = f
			handlers = append(handlers, NewHandler(f, opts.Level))
		}

		defaultLogger = slog.New(slogmulti.Fanout(handlers...))
		slog.SetDefault(defaultLogger)
	})

	return initErr
}

// Close releases the log file, if any.
func Close() error {
	if logFile == nil {
		return nil
	}

	return logFile.Close()
}

// openLogFile opens the log file for appending, creating parent directories.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory:\n%w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open log file:\n%w", err)
	}

	return f, nil
}

// Handler is a plain-text slog handler with millisecond timestamps.
type Handler struct {
	out   io.Writer   // out receives formatted records
	level slog.Level  // level is the minimum enabled level
	attrs []slog.Attr // attrs are prepended to every record
	group string      // group prefixes attribute keys
	mu    *sync.Mutex // mu serializes writes across derived handlers
}

// NewHandler creates a new handler writing to the given writer.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{out: out, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether the level is at or above the configured minimum.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	// Format: 2024-01-15 14:30:45.123 [INF] message key=value
	ts := r.Time.Format("2006-01-02 15:04:05.000")
	level := levelString(r.Level)

	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "%s [%s] %s", ts, level, r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
	}

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.out, " %s=%v", h.key(a.Key), a.Value)
		return true
	})

	fmt.Fprintln(h.out)

	return nil
}

// WithAttrs returns a new handler with the given attributes.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)

	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.key(a.Key), Value: a.Value})
	}

	return &next
}

// WithGroup returns a new handler with the given group.
func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = h.key(name)

	return &next
}

// key qualifies an attribute key with the current group.
func (h *Handler) key(k string) string {
	if h.group == "" {
		return k
	}

	return h.group + "." + k
}

// levelString returns a short string for the log level.
func levelString(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

// ParseLevel converts a textual level into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("parse log level %q:\n%w", s, err)
	}

	return l, nil
}
