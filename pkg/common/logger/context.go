package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that later log lines carry everything learned so far.
type LoggerContext struct {
	*Logger
}

// NewLoggerContext wraps l so that attributes can be added incrementally.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{Logger: l}
}

// Add appends the key/value pairs to every subsequent record.
func (lc *LoggerContext) Add(args ...any) {
	lc.Logger = lc.Logger.With(args...)
}

// Log returns the underlying logger with all accumulated attributes.
func (lc *LoggerContext) Log() *Logger { return lc.Logger }

// Done logs the final message for the operation at info level.
func (lc *LoggerContext) Done(ctx context.Context, msg string, args ...any) {
	lc.Logger.Infoc(ctx, 4, msg, args...)
}
