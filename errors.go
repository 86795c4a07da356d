package mcpbridge

import "github.com/wagiedev/mcpbridge/internal/errors"

// Re-export error types from internal package

// CommandNotFoundError indicates the child executable was not found.
type CommandNotFoundError = errors.CommandNotFoundError

// StartupError indicates the child could not be started or exited before
// its first response.
type StartupError = errors.StartupError

// ProcessLostError indicates the child exited while calls were outstanding.
type ProcessLostError = errors.ProcessLostError

// ProtocolError indicates a line from the child could not be decoded.
type ProtocolError = errors.ProtocolError

// TransportError indicates a network-level failure.
type TransportError = errors.TransportError

// RPCError is an explicit JSON-RPC error returned by the child.
type RPCError = errors.RPCError

// BridgeError is the base interface for all bridge errors.
type BridgeError = errors.BridgeError

// Re-export sentinel errors from internal package.
var (
	// ErrCallTimeout indicates a call got no response within its timeout.
	ErrCallTimeout = errors.ErrCallTimeout

	// ErrSupervisorClosed indicates the bridge has been closed.
	ErrSupervisorClosed = errors.ErrSupervisorClosed

	// ErrStdinClosed indicates a write after the child's stdin was closed.
	ErrStdinClosed = errors.ErrStdinClosed
)
