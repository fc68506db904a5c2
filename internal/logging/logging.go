// Package logging builds the structured loggers used by the ptyhub server.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// ParseLevel converts a log level string to a log.Level.
// Valid values: "debug", "info", "warn", "error" (case-insensitive).
// Returns log.InfoLevel for unrecognized values.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New creates a logger writing to w. format is "text", "json" or "logfmt";
// anything else falls back to text.
func New(w io.Writer, level log.Level, format string) *log.Logger {
	opts := log.Options{
		Level:           level,
		ReportTimestamp: true,
	}
	switch strings.ToLower(format) {
	case "json":
		opts.Formatter = log.JSONFormatter
	case "logfmt":
		opts.Formatter = log.LogfmtFormatter
	default:
		opts.Formatter = log.TextFormatter
	}
	return log.NewWithOptions(w, opts)
}

// Setup returns a logger for the server. With an empty path it writes text to
// stderr; otherwise it writes JSON lines to both the file at path and stderr.
// The cleanup function closes the log file.
func Setup(path string, level log.Level) (logger *log.Logger, cleanup func(), err error) {
	if path == "" {
		return New(os.Stderr, level, "text"), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}

	logger = New(io.MultiWriter(f, os.Stderr), level, "json")
	return logger, func() { f.Close() }, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

// LogPanic logs a panic with stack trace. Defer it at the top of goroutines:
//
//	defer logging.LogPanic(logger, "pty-reader", nil)
func LogPanic(logger *log.Logger, name string, onRecover func(any)) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(captureStack()),
		)
		if onRecover != nil {
			onRecover(r)
		}
	}
}

// captureStack returns the current goroutine's stack trace.
func captureStack() []byte {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}
