// Package fabric owns the tool daemon's view of the collective fabric.
//
// Ownership boundary:
// - backend selection (one backend per process)
// - session membership (rank, size, global id)
// - collective facade (barrier, broadcast, gather, scatter)
// - two-phase shutdown (debugger handshake, then backend teardown)
//
// Lifecycle order:
// - bootargs.Sanitize -> Init -> collectives* -> Finalize
//
// Every daemon in the fleet must issue the same sequence of collective calls.
// The facade does not enforce that ordering; a participant that never joins a
// collective blocks the others until their context ends.
package fabric
