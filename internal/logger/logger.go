package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/bytebody/internal/config"
)

// LogFields carries structured context for a single log entry.
type LogFields map[string]interface{}

// Logger is the structured logger shared by the body core, its runners and sources.
// A nil *Logger is valid and discards everything.
type Logger struct {
	mu     sync.RWMutex
	zl     zerolog.Logger
	config config.LoggingConfig
	output io.WriteCloser
}

// nopCloser wraps stdout/stderr so CloseLogFiles never closes them.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	target := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		target = cfg.ErrorLog.Target
	}

	var output io.WriteCloser
	switch {
	case target == "stderr":
		output = nopCloser{os.Stderr}
	case target == "stdout":
		output = nopCloser{os.Stdout}
	case config.IsFilePath(target):
		file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		output = file
	}

	l := &Logger{config: *cfg, output: output}
	l.zl = newZerolog(output, cfg)
	return l, nil
}

// NewWithWriter builds a Logger that writes JSON entries to w. Intended for tests
// and for hosts that manage their own sinks.
func NewWithWriter(w io.Writer, level config.LogLevel) *Logger {
	cfg := config.LoggingConfig{LogLevel: level, Format: config.LogFormatJSON}
	return &Logger{config: cfg, output: nopCloser{w}, zl: newZerolog(w, &cfg)}
}

// Nop returns a Logger that discards all entries.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), output: nopCloser{io.Discard}}
}

func newZerolog(w io.Writer, cfg *config.LoggingConfig) zerolog.Logger {
	if cfg.Format == config.LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(cfg.LogLevel))
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{zl: l.zl.With().Fields(map[string]interface{}(fields)).Logger(), config: l.config, output: l.output}
}

func (l *Logger) log(level zerolog.Level, msg string, fields []LogFields) {
	if l == nil {
		return
	}
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			ev = ev.Fields(map[string]interface{}(f))
		}
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.log(zerolog.DebugLevel, msg, fields) }

func (l *Logger) Info(msg string, fields ...LogFields) { l.log(zerolog.InfoLevel, msg, fields) }

func (l *Logger) Warn(msg string, fields ...LogFields) { l.log(zerolog.WarnLevel, msg, fields) }

func (l *Logger) Error(msg string, fields ...LogFields) { l.log(zerolog.ErrorLevel, msg, fields) }

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level config.LogLevel) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return zerologLevel(level) >= l.zl.GetLevel()
}

// CloseLogFiles closes the log file, if any. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == nil {
		return nil
	}
	return l.output.Close()
}

// ReopenLogFiles closes and reopens a file target, e.g. after log rotation.
func (l *Logger) ReopenLogFiles() error {
	if l == nil || l.config.ErrorLog == nil || !config.IsFilePath(l.config.ErrorLog.Target) {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.config.ErrorLog.Target
	if l.output != nil {
		_ = l.output.Close()
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.output = nopCloser{os.Stderr}
		l.zl = newZerolog(os.Stderr, &l.config)
		return fmt.Errorf("failed to reopen log file %s: %w", path, err)
	}
	l.output = file
	l.zl = newZerolog(file, &l.config)
	return nil
}
