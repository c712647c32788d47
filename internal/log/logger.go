package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	LevelTrace slog.Level = -8
	LevelDebug            = slog.LevelDebug
	LevelInfo             = slog.LevelInfo
	LevelWarn             = slog.LevelWarn
	LevelError            = slog.LevelError
	LevelCrit  slog.Level = 12
)

const (
	ModuleBridge   = "bridge"
	ModuleEmulator = "emulator"
	ModuleTrap     = "trap"
	ModuleSelfTest = "selftest"
)

// Logger writes key/value pairs tagged with the emitting module.
type Logger interface {
	With(ctx ...any) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)
	Trace(module string, msg string, ctx ...any)
	Debug(module string, msg string, ctx ...any)
	Info(module string, msg string, ctx ...any)
	Warn(module string, msg string, ctx ...any)
	Error(module string, msg string, ctx ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

// NewTextLogger writes human-readable records at or above level to w.
func NewTextLogger(w io.Writer, level slog.Level) Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelString(lvl))
				}
			}
			return a
		},
	}))
}

func (l *logger) Handler() slog.Handler {
	return l.inner.Handler()
}

func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add("module", module)
	r.Add(attrs...)
	l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) With(ctx ...any) Logger {
	return &logger{l.inner.With(ctx...)}
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Trace(module string, msg string, ctx ...any) {
	l.Write(LevelTrace, module, msg, ctx...)
}

func (l *logger) Debug(module string, msg string, ctx ...any) {
	l.Write(LevelDebug, module, msg, ctx...)
}

func (l *logger) Info(module string, msg string, ctx ...any) {
	l.Write(LevelInfo, module, msg, ctx...)
}

func (l *logger) Warn(module string, msg string, ctx ...any) {
	l.Write(LevelWarn, module, msg, ctx...)
}

func (l *logger) Error(module string, msg string, ctx ...any) {
	l.Write(LevelError, module, msg, ctx...)
}

func LevelString(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	}
	return l.String()
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	}
	return 0, fmt.Errorf("invalid level: %s", lvl)
}

var root atomic.Value

func init() {
	root.Store(NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelCrit + 1})))
}

func SetDefault(l Logger) {
	root.Store(l)
}

func Root() Logger {
	return root.Load().(Logger)
}

func Trace(module string, msg string, ctx ...any) {
	Root().Write(LevelTrace, module, msg, ctx...)
}

func Debug(module string, msg string, ctx ...any) {
	Root().Write(LevelDebug, module, msg, ctx...)
}

func Info(module string, msg string, ctx ...any) {
	Root().Write(LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...any) {
	Root().Write(LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...any) {
	Root().Write(LevelError, module, msg, ctx...)
}

// Recorder is a slog.Handler that keeps records in memory.
type Recorder struct {
	mu      *sync.Mutex
	level   slog.Level
	records *[]slog.Record
	attrs   []slog.Attr
}

func NewRecorder(level slog.Level) *Recorder {
	return &Recorder{mu: new(sync.Mutex), level: level, records: new([]slog.Record)}
}

func (r *Recorder) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.level
}

func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	rec = rec.Clone()
	rec.AddAttrs(r.attrs...)
	r.mu.Lock()
	*r.records = append(*r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *r
	clone.attrs = append(append([]slog.Attr(nil), r.attrs...), attrs...)
	return &clone
}

func (r *Recorder) WithGroup(string) slog.Handler {
	return r
}

// Messages lists recorded messages at or above level.
func (r *Recorder) Messages(level slog.Level) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var msgs []string
	for _, rec := range *r.records {
		if rec.Level >= level {
			msgs = append(msgs, rec.Message)
		}
	}
	return msgs
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	*r.records = nil
	r.mu.Unlock()
}
