// Package logging provides leveled structured logging for the module,
// backed by go-kit/log.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"
)

var (
	mu      sync.Mutex
	backend log.Logger = log.NewNopLogger()

	_ pflag.Value = (*Level)(nil)
)

// Level is a log level.
type Level uint

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) option() level.Option {
	switch l {
	case LevelDebug:
		return level.AllowDebug()
	case LevelInfo:
		return level.AllowInfo()
	case LevelWarn:
		return level.AllowWarn()
	case LevelError:
		return level.AllowError()
	default:
		panic("logging: unsupported log level")
	}
}

// String returns the string representation of a Level.
func (l *Level) String() string {
	switch *l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		panic("logging: unsupported log level")
	}
}

// Set sets the Level to the value specified by the provided string.
func (l *Level) Set(s string) error {
	switch strings.ToUpper(s) {
	case "DEBUG":
		*l = LevelDebug
	case "INFO":
		*l = LevelInfo
	case "WARN":
		*l = LevelWarn
	case "ERROR":
		*l = LevelError
	default:
		return fmt.Errorf("logging: invalid log level: '%s'", s)
	}
	return nil
}

// Type returns the list of supported Levels.
func (l *Level) Type() string {
	return "[DEBUG,INFO,WARN,ERROR]"
}

// Initialize routes all module loggers to w, filtered at lvl.
func Initialize(w io.Writer, lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, lvl.option())
	backend = log.With(logger, "ts", log.DefaultTimestampUTC)
}

// Logger is a leveled logger tagged with the module that owns it.
type Logger struct {
	module string
}

// GetLogger returns the logger for the named module.
func GetLogger(module string) *Logger {
	return &Logger{module: module}
}

func (l *Logger) log(lvl Level, msg string, keyvals []interface{}) {
	mu.Lock()
	b := backend
	mu.Unlock()
	logger := log.With(b, "module", l.module)
	switch lvl {
	case LevelDebug:
		logger = level.Debug(logger)
	case LevelInfo:
		logger = level.Info(logger)
	case LevelWarn:
		logger = level.Warn(logger)
	default:
		logger = level.Error(logger)
	}
	logger.Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Debug logs a debug message with key/value pairs.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, msg, keyvals)
}

// Info logs an informative message with key/value pairs.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, msg, keyvals)
}

// Warn logs a warning with key/value pairs.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, msg, keyvals)
}

// Error logs an error with key/value pairs.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, msg, keyvals)
}
