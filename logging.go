package dbconnector

import (
	"context"
	"fmt"
	"log"

	"github.com/pganalyze/dbconnector/internal/debug"
)

// ContextLogger is the logging interface the refresh engine and dialer log
// through. It is deliberately narrow -- one leveled method -- so callers can
// adapt whatever logging library they already use without pulling in this
// module's logging stack. It is an alias of internal/debug.ContextLogger so
// a caller-supplied Logger satisfies both without either package importing
// the other.
type ContextLogger = debug.ContextLogger

type noopLogger struct{}

func (noopLogger) Debugf(context.Context, string, ...any) {}

// Logger is a leveled, prefixable logger in the style this module's teacher
// repo uses for its own per-server log lines: a destination *log.Logger plus
// Verbose/Quiet switches and an optional prefix. WithPrefix derives a child
// logger scoped to one instance URI, the way per-server logging is scoped in
// that teacher repo.
type Logger struct {
	Verbose     bool
	Quiet       bool
	Prefix      string
	Destination *log.Logger
}

// NewLogger builds a Logger writing to the standard logger destination.
func NewLogger(verbose bool) *Logger {
	return &Logger{Verbose: verbose, Destination: log.Default()}
}

// WithPrefix returns a child Logger prefixing every line with prefix, e.g.
// the instance URI a refresh or dial log line pertains to.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{Verbose: l.Verbose, Quiet: l.Quiet, Destination: l.Destination, Prefix: prefix}
}

func (l *Logger) print(level, format string, args ...any) {
	if l.Prefix != "" {
		format = fmt.Sprintf("[%s] %s", l.Prefix, format)
	}
	l.Destination.Printf("%s %s", level, fmt.Sprintf(format, args...))
}

// Debugf implements ContextLogger. The context is accepted for interface
// compatibility but otherwise unused by this implementation.
func (l *Logger) Debugf(_ context.Context, format string, args ...any) {
	if l.Quiet || !l.Verbose {
		return
	}
	l.print("V", format, args...)
}

// Warningf logs at warning level regardless of the Verbose switch.
func (l *Logger) Warningf(format string, args ...any) {
	if l.Quiet {
		return
	}
	l.print("W", format, args...)
}

var _ ContextLogger = (*Logger)(nil)
