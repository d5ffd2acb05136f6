package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// zerologLevel maps our levels onto zerolog's.
func (l LogLevel) zerologLevel() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Options controls the output format of a Logger.
type Options struct {
	Color bool // colored console output
	JSON  bool // raw JSON lines instead of console output
}

// Logger provides leveled logging with module support
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	zl    zerolog.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, opts Options) {
	once.Do(func() {
		defaultLogger = New(level, output, opts)
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, opts Options) *Logger {
	if output == nil {
		output = os.Stderr
	}

	w := output
	if !opts.JSON {
		w = zerolog.ConsoleWriter{
			Out:        output,
			NoColor:    !opts.Color,
			TimeFormat: "2006/01/02 15:04:05.000000",
		}
	}

	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{level: level, zl: zl}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, module string, fields map[string]string, format string, args ...any) {
	if level < l.GetLevel() || level >= SILENT {
		return
	}

	ev := l.zl.WithLevel(level.zerologLevel())
	if module != "" {
		ev = ev.Str("module", module)
	}
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msgf(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...any) {
	l.log(DEBUG, module, nil, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...any) {
	l.log(INFO, module, nil, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...any) {
	l.log(WARN, module, nil, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...any) {
	l.log(ERROR, module, nil, format, args...)
}

// Scoped is a module logger that stamps fixed fields (session id, peer
// address) on every message.
type Scoped struct {
	l      *Logger
	module string
	fields map[string]string
}

// With returns a scoped logger for module carrying the given key/value pairs.
func (l *Logger) With(module string, kv ...string) *Scoped {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return &Scoped{l: l, module: module, fields: fields}
}

func (s *Scoped) logger() *Logger {
	if s.l != nil {
		return s.l
	}
	return defaultLogger
}

func (s *Scoped) emit(level LogLevel, format string, args ...any) {
	if l := s.logger(); l != nil {
		l.log(level, s.module, s.fields, format, args...)
	}
}

func (s *Scoped) Debug(format string, args ...any) { s.emit(DEBUG, format, args...) }
func (s *Scoped) Info(format string, args ...any)  { s.emit(INFO, format, args...) }
func (s *Scoped) Warn(format string, args ...any)  { s.emit(WARN, format, args...) }
func (s *Scoped) Error(format string, args ...any) { s.emit(ERROR, format, args...) }

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// With returns a scoped logger bound to the global logger. It is safe to
// call before Init; messages are dropped until a global logger exists.
func With(module string, kv ...string) *Scoped {
	s := (&Logger{}).With(module, kv...)
	s.l = defaultLogger
	return s
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
