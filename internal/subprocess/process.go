package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/mcpbridge/internal/cli"
	"github.com/wagiedev/mcpbridge/internal/config"
	"github.com/wagiedev/mcpbridge/internal/errors"
)

// maxStderrBufferSize is the maximum size for the stderr buffer.
// Stderr reading continues indefinitely (callback receives all lines),
// but the buffer stops growing after this limit.
const maxStderrBufferSize = 10 * 1024 * 1024 // 10MB

// Process is one child process instance.
type Process struct {
	log     *slog.Logger
	options *config.Options
	id      string

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startedAt time.Time

	// writeMu serialises stdin writes and is held for the whole write, which
	// blocks while the child is not reading. Nothing else takes it.
	writeMu sync.Mutex

	mu          sync.Mutex // Protects the fields set by Start and the flags below
	stdinClosed bool       // Whether stdin was closed
	closing     bool       // Whether Kill() has been called (intentional shutdown)

	stderrWg  sync.WaitGroup
	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}
}

// New creates an unstarted process for the given options.
//
// The logger is used for lifecycle tracking and receives debug, info, warn,
// and error messages.
func New(log *slog.Logger, options *config.Options) *Process {
	id := ulid.Make().String()

	return &Process{
		log:     log.With("component", "subprocess", "process_id", id),
		options: options,
		id:      id,
		done:    make(chan struct{}),
	}
}

// Start resolves the command and spawns the child.
//
// The context bounds the child's whole lifetime, not just startup: it must
// belong to the owner of the process, never to a single request.
//
// Returns a *errors.StartupError wrapping the cause on any failure.
func (p *Process) Start(ctx context.Context) error {
	p.log.Info("Starting child process", "command", p.options.Command)

	path, err := cli.NewResolver(&cli.Config{
		Command: p.options.Command,
		Logger:  p.log,
	}).Resolve()
	if err != nil {
		return &errors.StartupError{Command: p.options.Command, Err: err}
	}

	cmd := cli.BuildCommand(ctx, path, p.options)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.log.Error("Failed to create stdin pipe", "error", err)

		return &errors.StartupError{Command: path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.log.Error("Failed to create stdout pipe", "error", err)

		return &errors.StartupError{Command: path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.log.Error("Failed to create stderr pipe", "error", err)

		return &errors.StartupError{Command: path, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		p.log.Error("Failed to start child process", "error", err)

		return &errors.StartupError{Command: path, Err: fmt.Errorf("start process: %w", err)}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderr = stderr
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.stderrWg.Go(p.drainStderr)

	p.log.Info("Child process started", "pid", cmd.Process.Pid)

	return nil
}

// drainStderr buffers stderr for error reporting and forwards each line to
// the configured callback.
func (p *Process) drainStderr() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		p.stderrMu.Lock()

		if p.stderrBuf.Len() < maxStderrBufferSize {
			if p.stderrBuf.Len() > 0 {
				p.stderrBuf.WriteString("\n")
			}

			p.stderrBuf.WriteString(line)
		}

		p.stderrMu.Unlock()

		if p.options.Stderr != nil {
			p.options.Stderr(line)
		}
	}

	// The process may already be gone; a scanner error here is informational.
	if err := scanner.Err(); err != nil {
		p.log.Debug("Stderr scanner error", "error", err)
	}

	p.log.Debug("Child stderr closed")
}

// ID returns the instance id assigned at construction.
func (p *Process) ID() string {
	return p.id
}

// Pid returns the OS process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

// StartedAt returns the time the child was spawned.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.startedAt
}

// Stdout returns the child's output stream. Exactly one goroutine may read it.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr returns the buffered stderr output collected so far.
func (p *Process) Stderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	return strings.TrimSpace(p.stderrBuf.String())
}

// Write writes raw bytes to the child's stdin under the write lock.
// It implements io.Writer so the duplex copier can use io.Copy.
func (p *Process) Write(data []byte) (int, error) {
	return p.writeLocked(data)
}

// WriteLine writes one complete line to the child's stdin.
//
// A newline is appended if missing. The write itself runs under the write
// lock in its own goroutine, so a cancelled caller returns promptly while the
// line is still delivered whole; other writers never see a partial line.
func (p *Process) WriteLine(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Explicit copy so the caller's backing array is never mutated.
	if len(data) == 0 || data[len(data)-1] != '\n' {
		line := make([]byte, len(data)+1)
		copy(line, data)
		line[len(data)] = '\n'
		data = line
	}

	done := make(chan error, 1)

	go func() {
		_, err := p.writeLocked(data)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.log.Debug("Context cancelled while waiting for stdin write")

		return ctx.Err()
	}
}

func (p *Process) writeLocked(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	stdin, closed := p.stdin, p.stdinClosed
	p.mu.Unlock()

	if stdin == nil {
		return 0, errors.ErrProcessNotStarted
	}

	if closed {
		return 0, errors.ErrStdinClosed
	}

	// CloseStdin and Kill may run concurrently; closing the pipe unblocks
	// this write with an error.
	n, err := stdin.Write(data)
	if err != nil {
		p.mu.Lock()
		closed = p.stdinClosed
		p.mu.Unlock()

		if closed {
			return n, errors.ErrStdinClosed
		}

		p.log.Debug("Failed to write to child stdin", "error", err)

		return n, fmt.Errorf("write to stdin: %w", err)
	}

	return n, nil
}

// CloseStdin closes the child's stdin, signalling end of input. It does not
// wait for an in-flight write; that write fails instead.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil || p.stdinClosed {
		return nil
	}

	p.log.Debug("Closing child stdin")
	p.stdinClosed = true

	return p.stdin.Close()
}

// Kill forcefully terminates the child. It is safe to call on an unstarted
// or already exited process.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closing = true

	if p.stdin != nil && !p.stdinClosed {
		_ = p.stdin.Close()
	}

	p.stdinClosed = true

	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	p.log.Debug("Killing child process", "pid", p.cmd.Process.Pid)

	if err := p.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill child process (pid %d): %w", p.cmd.Process.Pid, err)
	}

	return nil
}

// Wait reaps the child and returns its exit error. It must only be called
// once the stdout reader has finished; later calls return the first result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		defer close(p.done)

		if p.cmd == nil {
			p.waitErr = errors.ErrProcessNotStarted

			return
		}

		// Stderr reads must complete before cmd.Wait closes the pipe.
		p.stderrWg.Wait()

		err := p.cmd.Wait()
		if err == nil {
			p.log.Info("Child process exited")

			return
		}

		p.exitCode = -1
		if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
			p.exitCode = exitErr.ExitCode()
		}

		p.mu.Lock()
		closing := p.closing
		p.mu.Unlock()

		if closing {
			p.log.Debug("Child process terminated during shutdown")
		} else {
			p.log.Warn("Child process exited with error", "exit_code", p.exitCode, "stderr", p.Stderr())
		}

		p.waitErr = err
	})

	return p.waitErr
}

// Stop closes stdin, gives the child the grace period to exit on its own,
// kills it otherwise, and reaps it.
func (p *Process) Stop(grace time.Duration) error {
	_ = p.CloseStdin()

	timer := time.AfterFunc(grace, func() {
		if err := p.Kill(); err != nil {
			p.log.Warn("Failed to kill child after grace period", "error", err)
		}
	})
	defer timer.Stop()

	return p.Wait()
}

// Done returns a channel closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the child was started and has not been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cmd != nil && !p.closing
}

// ExitCode returns the exit code after Wait; -1 means killed by a signal.
func (p *Process) ExitCode() int {
	<-p.done

	return p.exitCode
}
