// Package logger provides leveled logging with support for debug, info, warn, and error levels.
// It wraps the standard log package to provide level-based filtering and formatted output.
// Components obtain a scoped logger with For, which prefixes every line with the
// component name so engine output from parallel segment workers stays attributable.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents a logging level
type Level int

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in production.
	DebugLevel Level = iota
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual human review.
	WarnLevel
	// ErrorLevel logs are high-priority. If a run is healthy, it shouldn't generate any error-level logs.
	ErrorLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
}

// ParseLevel maps a configuration string to a Level, defaulting to InfoLevel.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

type sink struct {
	mu     sync.RWMutex
	level  Level
	logger *log.Logger
}

// Global sink; nil until Init is called, in which case nothing is logged.
var std = &sink{}

// Init initializes the default logger with the specified level and format
func Init(level string, format string) {
	InitWriter(os.Stderr, level, format)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds | log.LUTC
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = ParseLevel(level)
	std.logger = log.New(w, "", flags)
}

func (s *sink) output(l Level, scope, format string, args ...interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.logger == nil || l < s.level {
		return
	}
	prefix := "[" + levelNames[l] + "] "
	if scope != "" {
		prefix += scope + ": "
	}
	_ = s.logger.Output(3, prefix+fmt.Sprintf(format, args...))
}

// Debug logs a message at DebugLevel
func Debug(format string, args ...interface{}) { std.output(DebugLevel, "", format, args...) }

// Info logs a message at InfoLevel
func Info(format string, args ...interface{}) { std.output(InfoLevel, "", format, args...) }

// Warn logs a message at WarnLevel
func Warn(format string, args ...interface{}) { std.output(WarnLevel, "", format, args...) }

// Error logs a message at ErrorLevel
func Error(format string, args ...interface{}) { std.output(ErrorLevel, "", format, args...) }

// Fatal logs a message at ErrorLevel and exits
func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf("[FATAL] "+format, args...)
	std.mu.RLock()
	l := std.logger
	std.mu.RUnlock()
	if l != nil {
		_ = l.Output(2, msg)
	} else {
		log.Print(msg)
	}
	os.Exit(1)
}

// Scoped logs on behalf of one component.
type Scoped struct {
	name string
}

// For returns a logger whose lines are prefixed with the component name.
// It is safe to call before Init; output starts once Init has run.
func For(component string) Scoped {
	return Scoped{name: component}
}

// Debug logs a message at DebugLevel
func (s Scoped) Debug(format string, args ...interface{}) {
	std.output(DebugLevel, s.name, format, args...)
}

// Info logs a message at InfoLevel
func (s Scoped) Info(format string, args ...interface{}) {
	std.output(InfoLevel, s.name, format, args...)
}

// Warn logs a message at WarnLevel
func (s Scoped) Warn(format string, args ...interface{}) {
	std.output(WarnLevel, s.name, format, args...)
}

// Error logs a message at ErrorLevel
func (s Scoped) Error(format string, args ...interface{}) {
	std.output(ErrorLevel, s.name, format, args...)
}
