// Package logging carries the pslog conventions shared by every postbox
// subsystem: subsystem tags, nil-safe loggers and request-scoped loggers
// stored on a context.
package logging

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins non-empty parts into a dot-delimited subsystem path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// Ensure returns l, or a disabled logger when l is nil.
func Ensure(l pslog.Logger) pslog.Logger {
	if l == nil {
		return pslog.NoopLogger()
	}
	return l
}

// WithSubsystem tags every entry written through the returned logger with
// the supplied subsystem path.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithContext stores logger on ctx.
func WithContext(ctx context.Context, logger pslog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return pslog.ContextWithLogger(ctx, Ensure(logger))
}

// FromContext returns the logger stored on ctx, falling back to fallback and
// finally to a disabled logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return Ensure(fallback)
}
