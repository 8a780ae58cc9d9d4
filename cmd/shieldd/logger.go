// logger.go - Structured logging for the shielded token service
//
// Keeps the printf-style Logger surface the rest of the daemon calls, backed
// by zerolog (the same logger gnark emits its compile and setup progress
// through, so service and prover output share one format).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger writes leveled service logs and, separately, audit events.
type Logger struct {
	zl    zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

// NewLogger creates a logger at the given level. Console output always goes
// to stdout; logFile and auditFile add file sinks when non-empty.
func NewLogger(level string, logFile string, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}}
	logger := &Logger{audit: zerolog.Nop()}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.files = append(logger.files, file)
		writers = append(writers, file)
	}
	logger.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()

	if auditFile != "" {
		file, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		logger.files = append(logger.files, file)
		logger.audit = zerolog.New(file).With().Timestamp().Logger()
	}

	return logger, nil
}

// Close closes the logger's file sinks.
func (l *Logger) Close() error {
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.zl.Fatal().Msgf(format, args...)
}

// Audit records an audit event with structured details. Events go only to
// the audit sink and are dropped when auditing is disabled.
func (l *Logger) Audit(event string, details map[string]interface{}) {
	l.audit.Log().Str("event", event).Fields(details).Msg("audit")
}
