// Package supervisor owns the child processes behind the bridge.
//
// A Supervisor hands out two kinds of Handle:
//   - HandleShared: the single long-lived process used by request/response
//     transports. It carries a protocol pump and a call correlator and is
//     spawned lazily, then respawned lazily after it exits.
//   - HandleDedicated: a fresh raw process owned by one duplex connection for
//     its whole lifetime. Its stdout has exactly one reader, the connection.
//
// Spawn failures are reported to the caller as *errors.StartupError; the
// supervisor never retries on its own.
package supervisor
