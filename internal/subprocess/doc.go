// Package subprocess manages one child process speaking over stdio.
//
// A Process owns the child's stdin, stdout, and stderr pipes. Writes to stdin
// are serialised so concurrent writers never interleave partial lines.
// Stdout has exactly one reader, chosen by the owner: the protocol pump for
// shared processes, or the duplex copier for dedicated ones. Stderr is drained
// internally into a capped buffer and an optional per-line callback.
package subprocess
