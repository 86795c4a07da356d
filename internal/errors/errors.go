package errors

import (
	"errors"
	"fmt"
)

// BridgeError is the base interface for all bridge errors.
type BridgeError interface {
	error
	IsBridgeError() bool
}

// Compile-time verification that all error types implement BridgeError.
var (
	_ BridgeError = (*CommandNotFoundError)(nil)
	_ BridgeError = (*StartupError)(nil)
	_ BridgeError = (*ProcessLostError)(nil)
	_ BridgeError = (*ProtocolError)(nil)
	_ BridgeError = (*TransportError)(nil)
	_ BridgeError = (*RPCError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrCallTimeout indicates no matching response arrived before the deadline.
	ErrCallTimeout = errors.New("call timeout")

	// ErrSupervisorClosed indicates the supervisor has been shut down.
	ErrSupervisorClosed = errors.New("supervisor closed")

	// ErrProcessNotStarted indicates the child process was used before Start.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrStdinClosed indicates the child's stdin was closed.
	ErrStdinClosed = errors.New("stdin closed")

	// ErrNotShared indicates a correlated call was attempted on a dedicated
	// (duplex) process handle.
	ErrNotShared = errors.New("handle has no call correlator")
)

// CommandNotFoundError indicates the child executable could not be located.
type CommandNotFoundError struct {
	Name          string
	SearchedPaths []string
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %q not found in: %v", e.Name, e.SearchedPaths)
}

// IsBridgeError implements BridgeError.
func (e *CommandNotFoundError) IsBridgeError() bool { return true }

// StartupError indicates the child process could not be started, or exited
// before producing its first response.
type StartupError struct {
	Command string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start child process %q: %v", e.Command, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *StartupError) IsBridgeError() bool { return true }

// ProcessLostError indicates the child process exited while calls were
// outstanding.
type ProcessLostError struct {
	ProcessID string
	Pid       int
	ExitCode  int
	Stderr    string
	Err       error
}

func (e *ProcessLostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("child process %d lost: %v", e.Pid, e.Err)
	}

	if e.Stderr != "" {
		return fmt.Sprintf("child process %d lost (exit %d): %s", e.Pid, e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("child process %d lost (exit %d)", e.Pid, e.ExitCode)
}

func (e *ProcessLostError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ProcessLostError) IsBridgeError() bool { return true }

// ProtocolError indicates a line from the child could not be decoded.
// This error preserves the original raw line.
type ProtocolError struct {
	RawData string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed line from child: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *ProtocolError) IsBridgeError() bool { return true }

// TransportError indicates a network-level failure on one connection.
type TransportError struct {
	Op     string
	Remote string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Remote, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsBridgeError implements BridgeError.
func (e *TransportError) IsBridgeError() bool { return true }

// RPCError is an explicit error response returned by the child.
type RPCError struct {
	Code    int
	Message string
	Data    []byte
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsBridgeError implements BridgeError.
func (e *RPCError) IsBridgeError() bool { return true }
