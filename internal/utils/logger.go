package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	defaultLevel   LogLevel  = Info
	defaultOutput  io.Writer = os.Stdout
	defaultLevelMu sync.RWMutex

	// loggers created without an explicit level follow SetDefaultLogLevel
	followers []*Logger
)

// SetDefaultLogLevel sets the level of every logger that was created
// without an explicit level and has not been given one since
func SetDefaultLogLevel(level LogLevel) {
	defaultLevelMu.Lock()
	defer defaultLevelMu.Unlock()
	defaultLevel = level
	for _, l := range followers {
		if !l.pinned.Load() {
			l.level.Set(level.slogLevel())
		}
	}
}

// SetDefaultOutput redirects all loggers. nil restores stdout.
func SetDefaultOutput(w io.Writer) {
	defaultLevelMu.Lock()
	defer defaultLevelMu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultOutput = w
}

// outputSwitch resolves the default output at write time
type outputSwitch struct{}

func (outputSwitch) Write(p []byte) (int, error) {
	defaultLevelMu.RLock()
	w := defaultOutput
	defaultLevelMu.RUnlock()
	return w.Write(p)
}

// ParseLogLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Unknown values map to Info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Info
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch {
	case l >= Error:
		return slog.LevelError
	case l >= Warning:
		return slog.LevelWarn
	case l >= Info:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Logger provides structured logging with a component prefix
type Logger struct {
	prefix string
	level  *slog.LevelVar
	pinned *atomic.Bool
	logger *slog.Logger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	l := &Logger{
		prefix: prefix,
		level:  new(slog.LevelVar),
		pinned: new(atomic.Bool),
	}
	handler := slog.NewTextHandler(outputSwitch{}, &slog.HandlerOptions{Level: l.level})
	l.logger = slog.New(handler).With("component", prefix)

	if len(logLevel) > 0 {
		l.SetLogLevel(logLevel[0])
		return l
	}

	defaultLevelMu.Lock()
	defer defaultLevelMu.Unlock()
	l.level.Set(defaultLevel.slogLevel())
	followers = append(followers, l)
	return l
}

// SetLogLevel sets the logging level; the logger stops following the default
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.pinned.Store(true)
	l.level.Set(logLevel.slogLevel())
}

// With returns a logger that adds keyvals to every message
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{prefix: l.prefix, level: l.level, pinned: l.pinned, logger: l.logger.With(keyvals...)}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelInfo, msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelError, msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelWarn, msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Log(context.Background(), slog.LevelDebug, msg, keyvals...)
}
