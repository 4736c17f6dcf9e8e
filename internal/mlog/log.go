// Package mlog provides logging with per-package log levels and structured
// fields, on top of the standard library's log/slog.
//
// Each Log value carries a package name and base fields. Levels can be
// overridden per package through SetLevel, application-global, so all Log
// values observe the same configuration.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a logging verbosity level, ordered from least to most verbose.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelTrace     // protocol transcripts, minus auth secrets.
	LevelTraceauth // like LevelTrace, also includes auth exchanges.
)

var levelNames = map[Level]string{
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// Logfmt is not consulted by this package: output goes to the JSON handler
// unless SetOutput installs another handler.
var Logfmt bool

var levelConfig atomic.Value

func init() {
	levelConfig.Store(map[string]Level{"": LevelInfo})
}

// SetLevel overrides the log level for a package name. The empty string sets
// the default level used for packages without an explicit override.
func SetLevel(pkg string, level Level) {
	old := levelConfig.Load().(map[string]Level)
	next := make(map[string]Level, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[pkg] = level
	levelConfig.Store(next)
}

func levelFor(pkg string) Level {
	m := levelConfig.Load().(map[string]Level)
	if l, ok := m[pkg]; ok {
		return l
	}
	return m[""]
}

var handlerMu sync.Mutex
var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})

// SetOutput replaces the underlying slog handler, e.g. for tests.
func SetOutput(h slog.Handler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handler = h
}

// Log is a logger for one package, with a fixed set of base fields.
type Log struct {
	pkg    string
	fields []slog.Attr
}

// New returns a Log for the given package name.
func New(pkg string) Log {
	return Log{pkg: pkg}
}

// With returns a copy of l with additional fields attached to every entry.
func (l Log) With(attrs ...slog.Attr) Log {
	next := make([]slog.Attr, 0, len(l.fields)+len(attrs))
	next = append(next, l.fields...)
	next = append(next, attrs...)
	return Log{pkg: l.pkg, fields: next}
}

func (l Log) log(ctx context.Context, level Level, slevel slog.Level, msg string, attrs []slog.Attr) {
	if level > levelFor(l.pkg) {
		return
	}
	handlerMu.Lock()
	h := handler
	handlerMu.Unlock()
	r := slog.NewRecord(time.Now(), slevel, msg, 0)
	r.AddAttrs(slog.String("pkg", l.pkg))
	r.AddAttrs(l.fields...)
	r.AddAttrs(attrs...)
	_ = h.Handle(ctx, r)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.log(context.Background(), LevelError, slog.LevelError, msg, attrs)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Any("err", err))
	l.log(context.Background(), LevelError, slog.LevelError, msg, attrs)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.log(context.Background(), LevelInfo, slog.LevelInfo, msg, attrs)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.log(context.Background(), LevelDebug, slog.LevelDebug, msg, attrs)
}

// Trace logs protocol transcript lines. Callers must not pass auth secrets
// here; use Traceauth instead so traceauth-level filtering can exclude them.
func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.log(context.Background(), LevelTrace, slog.LevelDebug-1, msg, attrs)
}

// Traceauth logs protocol transcript lines that may include authentication
// secrets (e.g. raw AUTH continuation lines). Only emitted at LevelTraceauth.
func (l Log) Traceauth(msg string, attrs ...slog.Attr) {
	l.log(context.Background(), LevelTraceauth, slog.LevelDebug-2, msg, attrs)
}
