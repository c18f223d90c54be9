// Package observability carries the logging seam the runtime components write
// through. The process entrypoint installs a concrete logger once; everything
// else resolves it through Log so no component holds its own logger handle.
package observability

// Logger is the structured logging contract. Debug output is expected to be
// gated by the implementation, not by callers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field attaches one key/value pair to a log line.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = nopLogger{}

// SetLogger installs the process-wide logger. Passing nil reverts to the
// silent default.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = nopLogger{}
		return
	}
	defaultLogger = logger
}

// Log resolves the installed logger. Safe to call before SetLogger; output is
// discarded until a logger is installed.
func Log() Logger {
	return defaultLogger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
