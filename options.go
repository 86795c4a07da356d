package mcpbridge

import (
	"log/slog"
	"time"

	"github.com/wagiedev/mcpbridge/internal/config"
)

// Options configures how the child process is launched and driven.
type Options = config.Options

// Option configures Options using the functional options pattern.
type Option func(*Options)

func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCommand sets the child executable. Bare names are searched in PATH.
func WithCommand(command string) Option {
	return func(o *Options) {
		o.Command = command
	}
}

// WithArgs sets the child's arguments.
func WithArgs(args ...string) Option {
	return func(o *Options) {
		o.Args = args
	}
}

// WithEnv appends KEY=VALUE pairs to the child's environment.
func WithEnv(env ...string) Option {
	return func(o *Options) {
		o.Env = append(o.Env, env...)
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithStderr sets a callback invoked for each line the child writes to
// stderr.
func WithStderr(fn func(string)) Option {
	return func(o *Options) {
		o.Stderr = fn
	}
}

// WithCallTimeout sets the default per-call timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CallTimeout = timeout
	}
}

// WithMaxLineSize caps a single line read from the child.
func WithMaxLineSize(size int) Option {
	return func(o *Options) {
		o.MaxLineSize = size
	}
}

// WithShutdownGrace sets how long the child gets to exit after its stdin is
// closed before it is killed.
func WithShutdownGrace(grace time.Duration) Option {
	return func(o *Options) {
		o.ShutdownGrace = grace
	}
}

// WithNotificationBuffer sets the per-subscriber notification buffer.
func WithNotificationBuffer(size int) Option {
	return func(o *Options) {
		o.NotificationBuffer = size
	}
}
