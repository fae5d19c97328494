package payflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger is the logging contract every engine component accepts. Components
// never require a concrete logger; wiring go-logger (or anything satisfying
// this interface) is the caller's choice.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

type logLevel uint8

const (
	levelTrace logLevel = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelFatal
)

var logLevelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func parseLogLevel(name string) (logLevel, bool) {
	for i, n := range logLevelNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return logLevel(i), true
		}
	}
	return levelTrace, false
}

type logAttr struct {
	key string
	val any
}

// FmtLogger is the built-in fallback used when no external logger is wired.
// Lines render as "<ts> <LEVEL> <msg> k=v ..." with attributes kept sorted by
// key, so output is stable for grepping and test assertions.
type FmtLogger struct {
	out   io.Writer
	ctx   context.Context
	min   logLevel
	attrs []logAttr
}

// NewFmtLogger constructs a fallback logger writing to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, ctx: context.Background()}
}

// WithLevel returns a copy that drops entries below the named level. Unknown
// level names leave the threshold unchanged.
func (l *FmtLogger) WithLevel(name string) *FmtLogger {
	cp := l.clone()
	if lv, ok := parseLogLevel(name); ok {
		cp.min = lv
	}
	return cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(levelTrace, msg, args...) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(levelDebug, msg, args...) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(levelInfo, msg, args...) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(levelWarn, msg, args...) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(levelError, msg, args...) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(levelFatal, msg, args...) }

func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	cp := l.clone()
	if ctx != nil {
		cp.ctx = ctx
	}
	return cp
}

// WithFields merges fields into a copy. Per key, the incoming value wins;
// attribute order stays sorted.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := l.clone()
	for key, val := range fields {
		cp.attrs = upsertLogAttr(cp.attrs, key, val)
	}
	return cp
}

func (l *FmtLogger) clone() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	cp := *l
	cp.attrs = append([]logAttr(nil), l.attrs...)
	return &cp
}

func upsertLogAttr(attrs []logAttr, key string, val any) []logAttr {
	idx := sort.Search(len(attrs), func(i int) bool { return attrs[i].key >= key })
	if idx < len(attrs) && attrs[idx].key == key {
		attrs[idx].val = val
		return attrs
	}
	attrs = append(attrs, logAttr{})
	copy(attrs[idx+1:], attrs[idx:])
	attrs[idx] = logAttr{key: key, val: val}
	return attrs
}

func (l *FmtLogger) write(lv logLevel, msg string, args ...any) {
	if l == nil {
		l = NewFmtLogger(nil)
	}
	if lv < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(logLevelNames[lv])
	b.WriteByte(' ')
	b.WriteString(strings.TrimSpace(msg))
	for _, attr := range l.attrs {
		fmt.Fprintf(&b, " %s=%v", attr.key, attr.val)
	}
	fmt.Fprintln(l.out, b.String())
}

// NormalizeLogger returns a usable logger, substituting the fmt fallback.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches structured fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}
