package observability

import (
	"log"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// StdLogger writes structured log lines through the standard library logger.
// Fields are rendered as key=value pairs; non-scalar values are JSON-encoded.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger constructs a logger writing to stderr with the given prefix.
func NewStdLogger(prefix string, debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stderr, prefix, log.LstdFlags|log.LUTC|log.Lmsgprefix),
		debug:  debug,
	}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, field := range fields {
		b.WriteString(" ")
		b.WriteString(field.Key)
		b.WriteString("=")
		b.WriteString(renderValue(field.Value))
	}
	l.logger.Print(b.String())
}

func renderValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "<unencodable>"
		}
		return string(encoded)
	}
}
