package fabric

import "context"

// Unassigned marks a membership field the backend did not populate.
const Unassigned = -1

// MasterRank is the fixed root of broadcast, gather and scatter.
const MasterRank = 0

// InitRequest carries what a backend needs to join the fleet.
type InitRequest struct {
	// Args is the sanitized argument vector. The bundled backends take their
	// membership from config and do not read it.
	Args []string
	// Hostname is registered with the fabric as-is instead of being
	// re-resolved.
	Hostname string
}

// Membership is the rank/size/global-id triple reported by a backend.
type Membership struct {
	Rank     int
	Size     int
	GlobalID int
}

// UnassignedMembership returns a membership with every field unset.
func UnassignedMembership() Membership {
	return Membership{Rank: Unassigned, Size: Unassigned, GlobalID: Unassigned}
}

// Backend is one collective-communication implementation.
//
// Buffers are opaque bytes. root is always MasterRank when called through a
// Session.
type Backend interface {
	Name() string
	// Init initializes and opens the fabric session.
	Init(ctx context.Context, req InitRequest) (Membership, error)
	ConnFD() (int, error)
	Barrier(ctx context.Context) error
	Broadcast(ctx context.Context, buf []byte, root int) error
	Gather(ctx context.Context, send, recv []byte, root int) error
	Scatter(ctx context.Context, send, recv []byte, root int) error
	// Close tears down the session connections. Backends without an explicit
	// close phase return nil.
	Close(ctx context.Context) error
	Finalize(ctx context.Context) error
}

// RankQuerier is implemented by backends whose initializer may leave rank or
// size unassigned.
type RankQuerier interface {
	QueryRank() (int, error)
	QuerySize() (int, error)
}

// ErrorHandlerSetter is implemented by backends that abort the process on a
// failed collective unless told to return errors instead.
type ErrorHandlerSetter interface {
	SetErrorsReturn() error
}

// Handshaker runs a pre-finalize exchange with an external debugger.
type Handshaker interface {
	Handshake(ctx context.Context) error
}
