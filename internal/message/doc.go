// Package message defines the newline-delimited JSON-RPC envelope exchanged
// with the child process.
//
// The bridge treats params, results, and error data as opaque JSON. Only the
// fields needed for routing (id and method) are interpreted.
package message
