// Package svcfields holds the structured log keys shared by every
// subsystem so log lines from the client, allocator and lifecycle code can
// be filtered the same way.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting subsystem, e.g. "instance.lifecycle".
	SubsystemKey = pslog.TrustedString("sys")
	// InstanceKey tags log lines with an instance directory.
	InstanceKey = pslog.TrustedString("instance")
	// ServerKey tags log lines with a report server base URL.
	ServerKey = pslog.TrustedString("server")
)

// Subsystem joins parts with dots, skipping empty fragments.
func Subsystem(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ".")
}

// WithSubsystem tags logger with the subsystem built from parts. A nil
// logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	sys := Subsystem(parts...)
	if sys == "" {
		return logger
	}
	return logger.With(SubsystemKey, sys)
}

// WithInstance tags logger with an instance directory.
func WithInstance(logger pslog.Logger, dir string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if dir == "" {
		return logger
	}
	return logger.With(InstanceKey, dir)
}

// WithServer tags logger with a server base URL.
func WithServer(logger pslog.Logger, baseURL string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if baseURL == "" {
		return logger
	}
	return logger.With(ServerKey, baseURL)
}
