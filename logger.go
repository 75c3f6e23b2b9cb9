package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/device"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	case LogLevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	case "trace":
		return LogLevelTrace, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

// Logger writes structured JSON log lines.
type Logger struct {
	level  LogLevel
	output io.Writer
	mu     sync.Mutex
}

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Component string `json:"component,omitempty"`
}

func NewLogger(level LogLevel, output io.Writer) *Logger {
	return &Logger{
		level:  level,
		output: output,
	}
}

func (l *Logger) log(level LogLevel, component, format string, args ...interface{}) {
	if level > l.level {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   fmt.Sprintf(format, args...),
		Component: component,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.mu.Lock()
		fmt.Fprintf(l.output, "LOG_ERROR: failed to marshal log entry: %v\n", err)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	fmt.Fprintf(l.output, "%s\n", data)
	l.mu.Unlock()
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LogLevelError, "", format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LogLevelWarn, "", format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LogLevelInfo, "", format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LogLevelDebug, "", format, args...)
}

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.log(LogLevelTrace, "", format, args...)
}

// DeviceLogger adapts this logger to wireguard-go's device.Logger. The
// device is chatty, so its verbose output lands at trace.
func (l *Logger) DeviceLogger() *device.Logger {
	return &device.Logger{
		Verbosef: func(format string, args ...interface{}) {
			l.log(LogLevelTrace, "wireguard", format, args...)
		},
		Errorf: func(format string, args ...interface{}) {
			l.log(LogLevelError, "wireguard", format, args...)
		},
	}
}

// Global logger instance
var logger *Logger

func init() {
	// Default logger to stderr with info level
	logger = NewLogger(LogLevelInfo, os.Stderr)
}

func SetGlobalLogger(l *Logger) {
	logger = l
}
