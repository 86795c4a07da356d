package supervisor

import (
	"cmp"
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/errors"
	"github.com/wagiedev/mcpbridge/internal/protocol"
	"github.com/wagiedev/mcpbridge/internal/subprocess"
)

// errRestarted is the cause recorded on calls failed by Restart.
var errRestarted = stderrors.New("restart requested")

// Supervisor spawns, tracks, and tears down child processes.
type Supervisor struct {
	log     *slog.Logger
	options *config.Options

	// ctx bounds the lifetime of every child; cancelling it kills them all.
	ctx    context.Context
	cancel context.CancelFunc

	// spawnMu serialises shared spawns and restarts so at most one shared
	// process is ever being started.
	spawnMu sync.Mutex

	mu        sync.Mutex
	shared    *Handle
	dedicated map[*Handle]struct{}
	closed    bool

	restarts atomic.Int64
	spawned  atomic.Int64
	watchers sync.WaitGroup
}

// New creates a supervisor. No process is spawned until the first
// acquisition.
func New(log *slog.Logger, options config.Options) *Supervisor {
	options = options.WithDefaults()
	if log == nil {
		log = options.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		log:       log.With("component", "supervisor"),
		options:   &options,
		ctx:       ctx,
		cancel:    cancel,
		dedicated: make(map[*Handle]struct{}),
	}
}

// AcquireShared returns the live shared process, spawning one if there is
// none or the previous one exited.
func (s *Supervisor) AcquireShared(ctx context.Context) (*Handle, error) {
	if h, ok, err := s.currentShared(); err != nil || ok {
		return h, err
	}

	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	// Another caller may have spawned while we waited.
	if h, ok, err := s.currentShared(); err != nil || ok {
		return h, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.spawnShared()
}

func (s *Supervisor) currentShared() (*Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, errors.ErrSupervisorClosed
	}

	if s.shared != nil && s.shared.alive() {
		return s.shared, true, nil
	}

	return nil, false, nil
}

// spawnShared starts a shared process. Callers hold spawnMu.
func (s *Supervisor) spawnShared() (*Handle, error) {
	h, err := s.start(HandleShared)
	if err != nil {
		return nil, err
	}

	log := h.log
	h.correlator = protocol.NewCorrelator(log, h.process)
	h.notifier = protocol.NewNotifier(log)
	h.pump = protocol.NewPump(log, h.process.Stdout(), h.correlator, h.notifier, h.process, s.options.MaxLineSize)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		h.correlator.Fail(errors.ErrSupervisorClosed)
		h.Terminate()
		_ = h.process.Wait()
		h.finish(errors.ErrSupervisorClosed)

		return nil, errors.ErrSupervisorClosed
	}

	s.shared = h
	s.mu.Unlock()

	s.watchers.Go(func() {
		s.watchShared(h)
	})

	return h, nil
}

// watchShared runs the pump and handles the process exit.
func (s *Supervisor) watchShared(h *Handle) {
	runErr := h.pump.Run(s.ctx)

	// Stdout is finished, so the process can be reaped. A child that closed
	// stdout but keeps running is killed after the grace period.
	waitErr := h.process.Stop(s.options.ShutdownGrace)

	lost := &errors.ProcessLostError{
		ProcessID: h.process.ID(),
		Pid:       h.Pid(),
		ExitCode:  h.process.ExitCode(),
		Stderr:    h.process.Stderr(),
		Err:       cmp.Or(runErr, waitErr),
	}

	var exitErr error = lost
	// Any response line, even one whose caller already gave up, proves the
	// child got past startup.
	if h.pump.Stats().Responses == 0 {
		exitErr = &errors.StartupError{Command: s.options.Command, Err: lost}
	}

	// Fail and detach together so no caller can reach the dead correlator
	// through a fresh acquisition, and no replacement spawns before every
	// outstanding call has been failed.
	s.mu.Lock()
	h.correlator.Fail(exitErr)

	if s.shared == h {
		s.shared = nil
	}

	s.mu.Unlock()

	h.notifier.Close()

	s.log.Warn("Shared child process exited",
		"process_id", lost.ProcessID,
		"pid", lost.Pid,
		"exit_code", lost.ExitCode,
		"uptime", time.Since(h.StartedAt()),
		"stderr", lost.Stderr,
	)

	h.finish(h.correlator.Err())
}

// AcquireDedicated spawns a fresh raw process for one duplex connection.
// The caller must Release it.
func (s *Supervisor) AcquireDedicated(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return nil, errors.ErrSupervisorClosed
	}

	h, err := s.start(HandleDedicated)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		s.reapDedicated(h)

		return nil, errors.ErrSupervisorClosed
	}

	s.dedicated[h] = struct{}{}
	s.mu.Unlock()

	return h, nil
}

// start spawns a process under the supervisor's lifetime context.
func (s *Supervisor) start(kind HandleKind) (*Handle, error) {
	process := subprocess.New(s.log, s.options)
	if err := process.Start(s.ctx); err != nil {
		s.log.Error("Failed to spawn child process", "kind", kind, "error", err)

		return nil, err
	}

	s.spawned.Add(1)

	h := &Handle{
		log:                s.log.With("kind", kind.String(), "process_id", process.ID()),
		kind:               kind,
		process:            process,
		pid:                process.Pid(),
		startedAt:          process.StartedAt(),
		callTimeout:        s.options.CallTimeout,
		shutdownGrace:      s.options.ShutdownGrace,
		notificationBuffer: s.options.NotificationBuffer,
		exited:             make(chan struct{}),
	}

	h.log.Info("Child process spawned", "pid", process.Pid())

	return h, nil
}

// Release returns a handle to the supervisor. Dedicated processes are torn
// down: stdin is closed, the child gets the grace period, then it is killed
// and reaped. The caller must have stopped reading Stdout. Shared handles are
// left running.
func (s *Supervisor) Release(h *Handle) {
	if h == nil || h.kind != HandleDedicated {
		return
	}

	s.mu.Lock()
	delete(s.dedicated, h)
	s.mu.Unlock()

	s.reapDedicated(h)
}

func (s *Supervisor) reapDedicated(h *Handle) {
	err := h.process.Stop(s.options.ShutdownGrace)

	h.log.Debug("Dedicated child process released", "exit_code", h.process.ExitCode(), "error", err)

	h.finish(err)
}

// OnExit registers fn to run once with the handle's exit error. It runs
// immediately if the handle already exited.
func (s *Supervisor) OnExit(h *Handle, fn func(error)) {
	h.onExit(fn)
}

// Restart replaces the shared process. Outstanding calls on the old process
// fail with *errors.ProcessLostError before the replacement is spawned.
func (s *Supervisor) Restart(ctx context.Context) (*Handle, error) {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, errors.ErrSupervisorClosed
	}

	old := s.shared
	s.shared = nil

	if old != nil {
		old.correlator.Fail(&errors.ProcessLostError{
			ProcessID: old.ProcessID(),
			Pid:       old.Pid(),
			ExitCode:  -1,
			Err:       errRestarted,
		})
	}

	s.mu.Unlock()

	if old != nil {
		s.log.Info("Restarting shared child process", "process_id", old.ProcessID(), "pid", old.Pid())

		if err := old.process.Kill(); err != nil {
			s.log.Warn("Failed to kill shared child process", "error", err)
		}

		select {
		case <-old.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.restarts.Add(1)

	return s.spawnShared()
}

// Close tears down every process. Later acquisitions fail with
// errors.ErrSupervisorClosed. Dedicated processes are signalled; their
// owners still Release them.
func (s *Supervisor) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	shared := s.shared
	s.shared = nil

	dedicated := make([]*Handle, 0, len(s.dedicated))
	for h := range s.dedicated {
		dedicated = append(dedicated, h)
	}

	s.mu.Unlock()

	s.log.Info("Closing supervisor", "dedicated", len(dedicated))

	if shared != nil {
		shared.correlator.Fail(errors.ErrSupervisorClosed)
		shared.Terminate()
	}

	for _, h := range dedicated {
		h.Terminate()
	}

	// Anything still alive after the grace period dies with the context.
	timer := time.AfterFunc(s.options.ShutdownGrace, s.cancel)
	s.watchers.Wait()
	timer.Stop()
	s.cancel()

	s.log.Info("Supervisor closed")

	return nil
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Running       bool           `json:"running"`
	ProcessID     string         `json:"process_id,omitempty"`
	Pid           int            `json:"pid,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds,omitempty"`
	Pending       int            `json:"pending"`
	Resolved      int64          `json:"resolved"`
	Dedicated     int            `json:"dedicated"`
	Spawned       int64          `json:"spawned"`
	Restarts      int64          `json:"restarts"`
	Closed        bool           `json:"closed"`
	Pump          protocol.Stats `json:"pump"`
}

// Status reports the current state without spawning anything.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	shared := s.shared
	status := Status{
		Dedicated: len(s.dedicated),
		Spawned:   s.spawned.Load(),
		Restarts:  s.restarts.Load(),
		Closed:    s.closed,
	}
	s.mu.Unlock()

	if shared == nil || !shared.alive() {
		return status
	}

	startedAt := shared.StartedAt()

	status.Running = true
	status.ProcessID = shared.ProcessID()
	status.Pid = shared.Pid()
	status.StartedAt = &startedAt
	status.UptimeSeconds = time.Since(startedAt).Seconds()
	status.Pending = shared.correlator.Pending()
	status.Resolved = shared.correlator.Resolved()
	status.Pump = shared.pump.Stats()

	return status
}
