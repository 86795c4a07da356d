// Package errors defines error types for the bridge.
//
// This package provides structured error types for each failure class a
// caller can observe: startup failures, call timeouts, lost processes,
// protocol violations on the child's output, and network transport failures.
// All error types support error unwrapping and can be checked using
// errors.Is, errors.As, and errors.AsType.
package errors
