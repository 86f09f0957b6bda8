package observability

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Logger is the structured logging interface every component accepts.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// HCLogger adapts an hclog.Logger to Logger.
type HCLogger struct {
	l hclog.Logger
}

// LogOptions configures NewHCLogger.
type LogOptions struct {
	Name   string
	Level  string // TRACE, DEBUG, INFO, WARN, ERROR
	JSON   bool
	Output io.Writer
}

// NewHCLogger creates a Logger backed by hclog.
func NewHCLogger(opts LogOptions) *HCLogger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := hclog.LevelFromString(strings.ToUpper(opts.Level))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return &HCLogger{l: hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     out,
		JSONFormat: opts.JSON,
	})}
}

// WrapHCLog wraps an existing hclog.Logger.
func WrapHCLog(l hclog.Logger) *HCLogger {
	return &HCLogger{l: l}
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &HCLogger{l: hclog.NewNullLogger()}
}

func (h *HCLogger) Info(msg string, fields ...any)  { h.l.Info(msg, fields...) }
func (h *HCLogger) Debug(msg string, fields ...any) { h.l.Debug(msg, fields...) }
func (h *HCLogger) Warn(msg string, fields ...any)  { h.l.Warn(msg, fields...) }
func (h *HCLogger) Error(msg string, fields ...any) { h.l.Error(msg, fields...) }

// Bind returns a child logger carrying fields on every entry.
func (h *HCLogger) Bind(fields ...any) Logger {
	return &HCLogger{l: h.l.With(fields...)}
}

// HCLog exposes the underlying hclog.Logger, e.g. for StandardLogger.
func (h *HCLogger) HCLog() hclog.Logger {
	return h.l
}
