// Package debug defines the narrow logging interface the refresh engine and
// dialer log through internally. It exists as its own package, separate
// from the root ContextLogger type, purely to avoid an import cycle: the
// root package constructs and depends on internal/refresh and internal/dial,
// so those packages can't import back up to the root package's Logger type.
// Any logger satisfying this method set, including the root package's
// Logger, works here without either package naming the other.
package debug

import "context"

// ContextLogger is a single leveled logging method, scoped by context.
type ContextLogger interface {
	Debugf(ctx context.Context, format string, args ...any)
}

// Noop is a ContextLogger that discards everything, used as the default
// when a caller supplies no logger.
type Noop struct{}

func (Noop) Debugf(context.Context, string, ...any) {}

var _ ContextLogger = Noop{}
