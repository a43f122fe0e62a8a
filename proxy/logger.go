package proxy

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel maps a level name to a LogLevel, defaulting to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogDebug
	case "warn", "warning":
		return LogWarn
	case "error":
		return LogError
	default:
		return LogInfo
	}
}

func (l LogLevel) charm() log.Level {
	switch l {
	case LogDebug:
		return log.DebugLevel
	case LogWarn:
		return log.WarnLevel
	case LogError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Logger writes leveled diagnostics. It must never write to stdout, which
// carries protocol traffic.
type Logger struct {
	level  LogLevel
	logger *log.Logger
}

func NewLogger(level string) *Logger {
	return NewLoggerWithWriter(os.Stderr, level)
}

func NewLoggerWithWriter(w io.Writer, level string) *Logger {
	logLevel := ParseLogLevel(level)
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "mcp-filter",
	})
	logger.SetLevel(logLevel.charm())

	return &Logger{
		level:  logLevel,
		logger: logger,
	}
}

// NewNopLogger discards everything.
func NewNopLogger() *Logger {
	return NewLoggerWithWriter(io.Discard, "error")
}

// With returns a logger that adds keyvals to every line.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{level: l.level, logger: l.logger.With(keyvals...)}
}

func (l *Logger) Level() LogLevel {
	return l.level
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	l.logger.Debugf(msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	l.logger.Infof(msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	l.logger.Warnf(msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.logger.Errorf(msg, args...)
}
