// Package logger is the leveled logger used across massh.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Level is a log severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the upper-case name of the level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorGray   = "\033[90m"
)

// Logger writes leveled, optionally coloured lines to a single writer. It is
// safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	level    Level
	output   io.Writer
	noColor  bool
	showTime bool
}

// Config holds logger configuration.
type Config struct {
	Level    string
	Output   string // "stdout", "stderr" or a file path
	NoColor  bool
	ShowTime bool
}

// New creates a logger. Output defaults to stderr; a file that cannot be
// opened falls back to stderr as well. Colour is only used on terminals.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{}
	}

	output := io.Writer(os.Stderr)
	noColor := cfg.NoColor

	switch cfg.Output {
	case "", "stderr":
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			output = f
		}
	}

	if !noColor {
		noColor = !IsTerminal(output)
	}

	return &Logger{
		level:    ParseLevel(cfg.Level),
		output:   output,
		noColor:  noColor,
		showTime: cfg.ShowTime,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{level: ERROR + 1, output: io.Discard, noColor: true}
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetLevel sets the minimum level written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces the writer. Colour is disabled unless w is a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	if !IsTerminal(w) {
		l.noColor = true
	}
}

// Enabled reports whether messages at level are written.
func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *Logger) log(level Level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var tag, color string
	switch level {
	case DEBUG:
		tag, color = "DEBUG", colorGray
	case INFO:
		tag, color = "INFO ", colorGreen
	case WARN:
		tag, color = "WARN ", colorYellow
	case ERROR:
		tag, color = "ERROR", colorRed
	}
	if !l.noColor {
		tag = color + tag + colorReset
	}

	if l.showTime {
		fmt.Fprintf(l.output, "%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), tag, msg)
	} else {
		fmt.Fprintf(l.output, "[%s] %s\n", tag, msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(DEBUG, fmt.Sprintf(format, args...))
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) {
	l.log(INFO, fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(WARN, fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(ERROR, fmt.Sprintf(format, args...))
}

// WithField returns an entry that prefixes every message with key=value.
func (l *Logger) WithField(key string, value any) *Entry {
	return &Entry{logger: l, fields: map[string]any{key: value}}
}

// WithFields returns an entry that prefixes every message with the given
// fields, sorted by key.
func (l *Logger) WithFields(fields map[string]any) *Entry {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Entry{logger: l, fields: copied}
}

// Entry is a logger bound to a set of fields.
type Entry struct {
	logger *Logger
	fields map[string]any
}

// WithField returns a copy of the entry with one more field.
func (e *Entry) WithField(key string, value any) *Entry {
	fields := make(map[string]any, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

func (e *Entry) Debug(format string, args ...any) { e.log(DEBUG, format, args...) }
func (e *Entry) Info(format string, args ...any)  { e.log(INFO, format, args...) }
func (e *Entry) Warn(format string, args ...any)  { e.log(WARN, format, args...) }
func (e *Entry) Error(format string, args ...any) { e.log(ERROR, format, args...) }

func (e *Entry) log(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if len(e.fields) == 0 {
		e.logger.log(level, msg)
		return
	}

	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.fields[k]))
	}
	parts = append(parts, msg)
	e.logger.log(level, strings.Join(parts, " "))
}

var (
	stdMu sync.RWMutex
	std   = New(&Config{Level: "INFO"})
)

// Default returns the package-level logger.
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	stdMu.Lock()
	defer stdMu.Unlock()
	std = l
}

// Debug logs a debug message using the default logger.
func Debug(format string, args ...any) {
	Default().Debug(format, args...)
}

// Info logs an info message using the default logger.
func Info(format string, args ...any) {
	Default().Info(format, args...)
}

// Warn logs a warning message using the default logger.
func Warn(format string, args ...any) {
	Default().Warn(format, args...)
}

// Error logs an error message using the default logger.
func Error(format string, args ...any) {
	Default().Error(format, args...)
}
