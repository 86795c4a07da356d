// Package tcp implements the raw duplex transport.
//
// Every accepted connection gets its own dedicated child process for its
// whole lifetime. Bytes are copied unchanged in both directions, with no
// framing added or removed. When either direction ends the connection is torn
// down: the child's stdin is closed, the socket is closed, and the child is
// reaped.
package tcp
