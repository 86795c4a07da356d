// Package config provides configuration types for the bridge.
package config

import (
	"log/slog"
	"time"
)

const (
	// DefaultCallTimeout bounds how long a correlated call waits for its response.
	DefaultCallTimeout = 30 * time.Second

	// DefaultMaxLineSize is the maximum size of one line read from the child.
	DefaultMaxLineSize = 1024 * 1024 // 1MB

	// DefaultShutdownGrace is how long a child gets to exit after stdin closes
	// before it is killed.
	DefaultShutdownGrace = 2 * time.Second

	// DefaultNotificationBuffer is the per-subscriber notification buffer.
	DefaultNotificationBuffer = 64
)

// Options configures how the child process is launched and driven.
type Options struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// Command is the child executable. Bare names are resolved through PATH
	// and the common install directories.
	Command string

	// Args are passed to the child verbatim.
	Args []string

	// Env holds extra KEY=VALUE pairs appended to the bridge's environment.
	Env []string

	// Dir sets the working directory for the child. Empty means the bridge's
	// working directory.
	Dir string

	// Stderr is invoked for each line the child writes to stderr.
	Stderr func(string)

	// CallTimeout is the default per-call timeout. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration

	// MaxLineSize caps a single stdout line. Zero uses DefaultMaxLineSize.
	MaxLineSize int

	// ShutdownGrace is the wait between closing stdin and killing the child.
	// Zero uses DefaultShutdownGrace.
	ShutdownGrace time.Duration

	// NotificationBuffer is the buffer size for notification subscribers.
	// Zero uses DefaultNotificationBuffer.
	NotificationBuffer int
}

// WithDefaults returns a copy of the options with zero values replaced by
// their defaults.
func (o Options) WithDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}

	if o.MaxLineSize <= 0 {
		o.MaxLineSize = DefaultMaxLineSize
	}

	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}

	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = DefaultNotificationBuffer
	}

	return o
}
