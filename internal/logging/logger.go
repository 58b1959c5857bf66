// Package logging is a small leveled logger with a component prefix, ANSI
// colors on terminals and an optional append-only file sink.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reel-pipeline/internal/config"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level; unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

const (
	red    = "\033[1;91m"
	green  = "\033[1;92m"
	yellow = "\033[1;93m"
	blue   = "\033[1;94m"
	cyan   = "\033[1;96m"
	reset  = "\033[0m"
)

// sink is shared by a root logger and every child derived with With.
type sink struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	file  *os.File
	color bool
	level Level
}

// Logger writes "<ts> [LEVEL] [component] message" lines.
type Logger struct {
	s         *sink
	component string
}

// New builds a logger from cfg. Call Close when a file sink was configured.
func New(cfg config.LogConfig) (*Logger, error) {
	s := &sink{out: os.Stdout, err: os.Stderr, level: ParseLevel(cfg.Level)}
	switch cfg.Color {
	case "always":
		s.color = true
	case "never":
		s.color = false
	default:
		s.color = isTerminal(os.Stdout) && os.Getenv("NO_COLOR") == ""
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	return &Logger{s: s}, nil
}

// NewWriter logs plain lines to w at the given level. Used by tests and
// tools that capture output.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{s: &sink{out: w, err: w, level: level}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelError+1)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// With returns a child logger tagged with component. Children share the
// parent's outputs.
func (l *Logger) With(component string) *Logger {
	return &Logger{s: l.s, component: component}
}

// Close closes the log file if one was opened.
func (l *Logger) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.file != nil {
		err := l.s.file.Close()
		l.s.file = nil
		return err
	}
	return nil
}

func (l *Logger) line(lvl Level, name, color, format string, args ...any) {
	if lvl < l.s.level {
		return
	}
	text := fmt.Sprintf(format, args...)
	if l.component != "" {
		text = "[" + l.component + "] " + text
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	plain := ts + " [" + name + "] " + text + "\n"

	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	out := l.s.out
	if lvl == LevelError {
		out = l.s.err
	}
	if l.s.color && color != "" {
		_, _ = io.WriteString(out, ts+" "+color+"["+name+"]"+reset+" "+text+"\n")
	} else {
		_, _ = io.WriteString(out, plain)
	}
	if l.s.file != nil {
		_, _ = io.WriteString(l.s.file, plain)
	}
}

func (l *Logger) Debug(format string, args ...any) {
	l.line(LevelDebug, "DEBUG", cyan, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.line(LevelInfo, "INFO", blue, format, args...)
}

// Success is an info-level line rendered green.
func (l *Logger) Success(format string, args ...any) {
	l.line(LevelInfo, "SUCCESS", green, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.line(LevelWarn, "WARN", yellow, format, args...)
}

// Error logs to stderr.
func (l *Logger) Error(format string, args ...any) {
	l.line(LevelError, "ERROR", red, format, args...)
}
