package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fleetctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Options configures Init.
type Options struct {
	// Backend overrides SelectedBackend when non-empty. It is read once, at
	// Init.
	Backend string
	// BackendConfig is handed to the backend factory.
	BackendConfig any
	// Args is the sanitized argument vector.
	Args     []string
	Hostname string
	// CollectiveTimeout bounds every collective call when positive. Zero
	// blocks until the fabric completes or fails.
	CollectiveTimeout time.Duration
	// Handshaker runs before backend teardown on platforms with a debugger
	// protocol. Nil skips the handshake phase.
	Handshaker Handshaker
}

// Session is the initialized fabric membership of one daemon. Membership is
// fixed at Init and never changes afterward.
type Session struct {
	backend    Backend
	member     Membership
	timeout    time.Duration
	handshaker Handshaker
	finalized  bool
}

// Init selects the backend, initializes it and records the daemon's
// membership. On failure no session is returned.
func Init(ctx context.Context, opts Options) (*Session, error) {
	backend, err := resolveBackend(opts)
	if err != nil {
		log.Error().Err(err).Msg("fabric.Init backend selection failed")
		return nil, err
	}

	member, err := backend.Init(ctx, InitRequest{Args: opts.Args, Hostname: opts.Hostname})
	if err != nil {
		log.Error().Str("backend", backend.Name()).Err(err).Msg("fabric.Init backend init failed")
		abandon(backend)
		err = fmt.Errorf("%w: %w", ErrInitFailure, err)
		observability.RecordSessionEvent(backend.Name(), "init", Code(err))
		return nil, err
	}

	if q, ok := backend.(RankQuerier); ok {
		if member.Rank == Unassigned {
			if rank, err := q.QueryRank(); err == nil {
				member.Rank = rank
			}
		}
		if member.Size == Unassigned {
			if size, err := q.QuerySize(); err == nil {
				member.Size = size
			}
		}
	}
	if member.GlobalID == Unassigned {
		member.GlobalID = member.Rank
	}

	if h, ok := backend.(ErrorHandlerSetter); ok {
		if err := h.SetErrorsReturn(); err != nil {
			abandon(backend)
			err = fmt.Errorf("%w: set error handler: %w", ErrInitFailure, err)
			observability.RecordSessionEvent(backend.Name(), "init", Code(err))
			return nil, err
		}
	}

	if member.Rank < 0 || member.Size <= 0 || member.Rank >= member.Size {
		abandon(backend)
		log.Error().
			Str("backend", backend.Name()).
			Int("rank", member.Rank).
			Int("size", member.Size).
			Msg("fabric.Init rank and/or size have not been assigned")
		observability.RecordSessionEvent(backend.Name(), "init", Code(ErrInvalidState))
		return nil, fmt.Errorf("%w: rank=%d size=%d", ErrInvalidState, member.Rank, member.Size)
	}

	log.Info().
		Str("backend", backend.Name()).
		Int("rank", member.Rank).
		Int("size", member.Size).
		Int("global_id", member.GlobalID).
		Msg("fabric.Init ready")
	observability.RecordSessionEvent(backend.Name(), "init", "")

	return &Session{
		backend:    backend,
		member:     member,
		timeout:    opts.CollectiveTimeout,
		handshaker: opts.Handshaker,
	}, nil
}

// abandon tears down a backend whose Init produced unusable membership.
func abandon(b Backend) {
	ctx := context.Background()
	if err := b.Close(ctx); err != nil {
		log.Warn().Str("backend", b.Name()).Err(err).Msg("fabric.Init abandon close failed")
	}
	if err := b.Finalize(ctx); err != nil {
		log.Warn().Str("backend", b.Name()).Err(err).Msg("fabric.Init abandon finalize failed")
	}
}

func (s *Session) live() bool {
	return s != nil && s.backend != nil && !s.finalized
}

// Rank returns this daemon's rank in [0, Size).
func (s *Session) Rank() (int, error) {
	if !s.live() {
		return Unassigned, ErrUnassigned
	}
	return s.member.Rank, nil
}

// Size returns the number of daemons in the fleet.
func (s *Session) Size() (int, error) {
	if !s.live() {
		return Unassigned, ErrUnassigned
	}
	return s.member.Size, nil
}

// GlobalID returns the backend's global identifier for this daemon.
func (s *Session) GlobalID() (int, error) {
	if !s.live() {
		return Unassigned, ErrUnassigned
	}
	return s.member.GlobalID, nil
}

// IsMaster reports whether this daemon is the root of the fleet.
func (s *Session) IsMaster() bool {
	return s.live() && s.member.Rank == MasterRank
}

// Backend returns the name of the active backend.
func (s *Session) Backend() string {
	if s == nil || s.backend == nil {
		return ""
	}
	return s.backend.Name()
}

// ConnectionDescriptor returns the socket back to the front-end coordinator.
// Only the master daemon of a backend with such a socket has one.
func (s *Session) ConnectionDescriptor() (int, error) {
	if !s.live() {
		return -1, ErrUnassigned
	}
	if s.member.Rank != MasterRank {
		return -1, fmt.Errorf("%w: rank %d is not master", ErrConnectionUnavailable, s.member.Rank)
	}
	fd, err := s.backend.ConnFD()
	if err != nil {
		log.Debug().Str("backend", s.backend.Name()).Err(err).Msg("fabric.ConnectionDescriptor no connection established with FE")
		return -1, fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
	}
	return fd, nil
}

// Barrier returns once every daemon has entered it.
func (s *Session) Barrier(ctx context.Context) error {
	if !s.live() {
		return ErrUnassigned
	}
	return s.call(ctx, "barrier", s.backend.Barrier)
}

// Broadcast copies the master's buf into every daemon's buf. All daemons must
// pass buffers of the same length.
func (s *Session) Broadcast(ctx context.Context, buf []byte) error {
	if !s.live() {
		return ErrUnassigned
	}
	return s.call(ctx, "broadcast", func(ctx context.Context) error {
		return s.backend.Broadcast(ctx, buf, MasterRank)
	})
}

// Gather concatenates every daemon's send buffer, in rank order, into the
// master's recv buffer. recv is ignored on other daemons.
func (s *Session) Gather(ctx context.Context, send, recv []byte) error {
	if !s.live() {
		return ErrUnassigned
	}
	if s.IsMaster() && len(recv) < s.member.Size*len(send) {
		return fmt.Errorf("%w: gather: recv holds %d bytes, need %d", ErrCollectiveFailure, len(recv), s.member.Size*len(send))
	}
	return s.call(ctx, "gather", func(ctx context.Context) error {
		return s.backend.Gather(ctx, send, recv, MasterRank)
	})
}

// Scatter hands every daemon its rank-indexed slice of the master's send
// buffer. send is ignored on other daemons.
func (s *Session) Scatter(ctx context.Context, send, recv []byte) error {
	if !s.live() {
		return ErrUnassigned
	}
	if s.IsMaster() && len(send) < s.member.Size*len(recv) {
		return fmt.Errorf("%w: scatter: send holds %d bytes, need %d", ErrCollectiveFailure, len(send), s.member.Size*len(recv))
	}
	return s.call(ctx, "scatter", func(ctx context.Context) error {
		return s.backend.Scatter(ctx, send, recv, MasterRank)
	})
}

func (s *Session) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	start := time.Now()
	err := s.collectiveErr(op, fn(ctx))
	observability.RecordCollective(s.backend.Name(), op, Code(err), time.Since(start))
	return err
}

func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) collectiveErr(op string, err error) error {
	if err == nil {
		return nil
	}
	log.Error().
		Str("backend", s.backend.Name()).
		Str("op", op).
		Int("rank", s.member.Rank).
		Err(err).
		Msg("fabric collective failed")
	return fmt.Errorf("%w: %s: %w", ErrCollectiveFailure, op, err)
}

// Finalize runs the debugger handshake, when configured, and then tears the
// backend down. Teardown is attempted even if the handshake failed; the
// returned error joins both phases. The session is unusable afterward.
func (s *Session) Finalize(ctx context.Context) error {
	if !s.live() {
		return ErrUnassigned
	}
	s.finalized = true

	var handshakeErr error
	if s.handshaker != nil {
		if err := s.handshaker.Handshake(ctx); err != nil {
			log.Error().Err(err).Msg("fabric.Finalize debugger handshake failed")
			handshakeErr = fmt.Errorf("%w: %w", ErrProtocolMismatch, err)
		}
	}

	var teardownErr error
	if err := s.backend.Close(ctx); err != nil {
		log.Error().Str("backend", s.backend.Name()).Err(err).Msg("fabric.Finalize close failed")
		teardownErr = fmt.Errorf("%w: close: %w", ErrFinalizeFailure, err)
	}
	if err := s.backend.Finalize(ctx); err != nil {
		log.Error().Str("backend", s.backend.Name()).Err(err).Msg("fabric.Finalize finalize failed")
		teardownErr = errors.Join(teardownErr, fmt.Errorf("%w: finalize: %w", ErrFinalizeFailure, err))
	}

	if handshakeErr == nil && teardownErr == nil {
		log.Info().Str("backend", s.backend.Name()).Int("rank", s.member.Rank).Msg("fabric.Finalize done")
	}
	err := errors.Join(handshakeErr, teardownErr)
	observability.RecordSessionEvent(s.backend.Name(), "finalize", Code(err))
	return err
}
