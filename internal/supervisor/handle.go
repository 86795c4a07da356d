package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/message"
	"github.com/wagiedev/mcpbridge/internal/protocol"
	"github.com/wagiedev/mcpbridge/internal/subprocess"
)

// HandleKind distinguishes how a process is wired.
type HandleKind int

const (
	// HandleShared is the multiplexed process behind correlated calls.
	HandleShared HandleKind = iota
	// HandleDedicated is a raw process owned by one duplex connection.
	HandleDedicated
)

// String returns a human-readable kind name.
func (k HandleKind) String() string {
	switch k {
	case HandleShared:
		return "shared"
	case HandleDedicated:
		return "dedicated"
	default:
		return "unknown"
	}
}

// Handle is a caller's reference to one supervised process instance.
type Handle struct {
	log     *slog.Logger
	kind    HandleKind
	process *subprocess.Process

	// Fixed at spawn so they can be read under the supervisor lock without
	// touching the process.
	pid       int
	startedAt time.Time

	callTimeout        time.Duration
	shutdownGrace      time.Duration
	notificationBuffer int

	// Shared handles only.
	correlator *protocol.Correlator
	notifier   *protocol.Notifier
	pump       *protocol.Pump

	mu        sync.Mutex
	finished  bool
	exitErr   error
	callbacks []func(error)
	exited    chan struct{}
	killTimer *time.Timer
}

// Kind returns how the handle is wired.
func (h *Handle) Kind() HandleKind {
	return h.kind
}

// ProcessID returns the instance id of the underlying process.
func (h *Handle) ProcessID() string {
	return h.process.ID()
}

// Pid returns the OS process id.
func (h *Handle) Pid() int {
	return h.pid
}

// StartedAt returns the spawn time.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Call sends a correlated request to a shared process.
//
// A zero timeout uses the configured default. Dedicated handles return
// errors.ErrNotShared.
func (h *Handle) Call(
	ctx context.Context,
	method string,
	params json.RawMessage,
	timeout time.Duration,
) (*message.Message, error) {
	if h.correlator == nil {
		return nil, errors.ErrNotShared
	}

	if timeout == 0 {
		timeout = h.callTimeout
	}

	return h.correlator.Call(ctx, method, params, timeout)
}

// Notify sends an id-less notification to a shared process.
func (h *Handle) Notify(ctx context.Context, method string, params json.RawMessage) error {
	if h.correlator == nil {
		return errors.ErrNotShared
	}

	return h.correlator.Notify(ctx, method, params)
}

// Subscribe registers for notifications from a shared process. A
// non-positive buffer uses the configured default. The channel is closed when
// the process exits or cancel is called.
func (h *Handle) Subscribe(buffer int) (<-chan *message.Message, func(), error) {
	if h.notifier == nil {
		return nil, nil, errors.ErrNotShared
	}

	if buffer <= 0 {
		buffer = h.notificationBuffer
	}

	ch, cancel := h.notifier.Subscribe(buffer)

	return ch, cancel, nil
}

// Pending returns the number of calls awaiting a response.
func (h *Handle) Pending() int {
	if h.correlator == nil {
		return 0
	}

	return h.correlator.Pending()
}

// Stdout returns the raw output of a dedicated process. Exactly one reader
// may use it.
func (h *Handle) Stdout() io.Reader {
	return h.process.Stdout()
}

// Stdin returns the raw input of a dedicated process.
func (h *Handle) Stdin() io.Writer {
	return h.process
}

// Terminate arms a kill after the shutdown grace period and closes the
// child's stdin. It does not wait; the owner reaps the process through
// Supervisor.Release. Safe to call more than once.
func (h *Handle) Terminate() {
	h.mu.Lock()

	if h.killTimer == nil && !h.finished {
		h.killTimer = time.AfterFunc(h.shutdownGrace, func() {
			if err := h.process.Kill(); err != nil {
				h.log.Warn("Failed to kill child after grace period", "error", err)
			}
		})
	}

	h.mu.Unlock()

	if err := h.process.CloseStdin(); err != nil {
		h.log.Debug("Failed to close child stdin", "error", err)
	}
}

// Done returns a channel closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.exited
}

// Err returns the exit error once Done is closed, and nil before.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.exitErr
}

// alive reports whether a shared handle can still serve calls.
func (h *Handle) alive() bool {
	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()

	if finished {
		return false
	}

	return h.correlator == nil || h.correlator.Err() == nil
}

// onExit registers fn, or runs it immediately if the handle already exited.
func (h *Handle) onExit(fn func(error)) {
	h.mu.Lock()

	if h.finished {
		err := h.exitErr
		h.mu.Unlock()
		fn(err)

		return
	}

	h.callbacks = append(h.callbacks, fn)
	h.mu.Unlock()
}

// finish records the exit and runs the callbacks once.
func (h *Handle) finish(err error) {
	h.mu.Lock()

	if h.finished {
		h.mu.Unlock()

		return
	}

	h.finished = true
	h.exitErr = err
	callbacks := h.callbacks
	h.callbacks = nil

	if h.killTimer != nil {
		h.killTimer.Stop()
	}

	close(h.exited)
	h.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}
