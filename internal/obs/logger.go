// Package obs holds the shared observability plumbing: the level-filtered
// logger used by every component and the prometheus metrics exported by the
// worker.
package obs

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a level-filtered logger writing `time LEVEL component: key=value`
// lines. The level can be swapped at runtime (config hot-reload); it lives
// behind an atomic shared with every WithComponent derivative, so one
// SetLevel reaches all of them, race-free.
type Logger struct {
	logger    *log.Logger
	component string
	level     *atomic.Int32
}

func NewLogger(w io.Writer, component string, level LogLevel) *Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := new(atomic.Int32)
	lvl.Store(int32(level))
	return &Logger{
		logger:    log.New(w, "", 0),
		component: component,
		level:     lvl,
	}
}

// WithComponent returns a logger sharing the same sink and level filter but
// tagging lines with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger, component: component, level: l.level}
}

// SetLevel changes the filter level for this logger and every logger derived
// from it via WithComponent. Safe to call while other goroutines log.
func (l *Logger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

// Level reports the current filter level.
func (l *Logger) Level() LogLevel { return LogLevel(l.level.Load()) }

func (l *Logger) Debugf(format string, args ...any) { l.logf(LogLevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LogLevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LogLevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LogLevelError, format, args...) }

func (l *Logger) logf(level LogLevel, format string, args ...any) {
	if l == nil || level < LogLevel(l.level.Load()) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}
