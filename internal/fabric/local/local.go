// Package local is an in-process fabric backend.
//
// Every participant is a goroutine of the same process joined to a named
// group. It plays the role of a flat communicator (MPI_COMM_WORLD): ranks are
// handed out in join order and there is no front-end socket.
package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/rs/zerolog/log"
)

// Name is the registry name of this backend.
const Name = "local"

var (
	ErrInvalidConfig  = errors.New("local: invalid config")
	ErrGroupFull      = errors.New("local: group already has all participants")
	ErrSizeMismatch   = errors.New("local: group size mismatch")
	ErrNotJoined      = errors.New("local: not joined")
	ErrOpMismatch     = errors.New("local: collective operation mismatch")
	ErrBufferMismatch = errors.New("local: buffer length mismatch")
	ErrRootOutOfRange = errors.New("local: root out of range")
	ErrNoParentSocket = errors.New("local: backend has no front-end socket")
	ErrAborted        = errors.New("local: collective abandoned by a participant")
)

// Config selects the group a participant joins.
type Config struct {
	Group string `toml:"group"`
	Size  int    `toml:"size"`
}

// DefaultConfig returns a single-participant group named "fleet".
func DefaultConfig() Config {
	return Config{Group: "fleet", Size: 1}
}

// Validate checks the group name and size.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Group) == "" {
		return fmt.Errorf("%w: missing group", ErrInvalidConfig)
	}
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	return nil
}

func init() {
	fabric.Register(Name, func(cfg any) (fabric.Backend, error) {
		switch c := cfg.(type) {
		case nil:
			return New(DefaultConfig())
		case Config:
			return New(c)
		case *Config:
			return New(*c)
		default:
			return nil, fmt.Errorf("%w: unexpected config type %T", ErrInvalidConfig, cfg)
		}
	})
}

// Backend is one participant's handle on a local group.
type Backend struct {
	cfg          Config
	group        *group
	rank         int
	seq          uint64
	finalizeOnce sync.Once
}

var _ fabric.Backend = (*Backend)(nil)
var _ fabric.ErrorHandlerSetter = (*Backend)(nil)

// New validates cfg and returns an unjoined participant.
func New(cfg Config) (*Backend, error) {
	cfg.Group = strings.TrimSpace(cfg.Group)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, rank: fabric.Unassigned}, nil
}

func (b *Backend) Name() string {
	return Name
}

// Init joins the group and blocks until every participant has joined.
func (b *Backend) Init(ctx context.Context, req fabric.InitRequest) (fabric.Membership, error) {
	g, rank, err := join(b.cfg)
	if err != nil {
		return fabric.UnassignedMembership(), err
	}
	b.group = g
	b.rank = rank
	log.Debug().
		Str("group", b.cfg.Group).
		Int("rank", rank).
		Int("size", b.cfg.Size).
		Str("hostname", req.Hostname).
		Msg("local.Init joined")

	select {
	case <-g.ready:
	case <-ctx.Done():
		if withdraw(g, rank) {
			b.group = nil
			b.rank = fabric.Unassigned
			return fabric.UnassignedMembership(), fmt.Errorf("local: wire-up: %w", ctx.Err())
		}
	}
	return fabric.Membership{Rank: rank, Size: g.size, GlobalID: rank}, nil
}

// SetErrorsReturn is accepted for parity with backends that abort on error;
// this backend always returns errors.
func (b *Backend) SetErrorsReturn() error {
	return nil
}

func (b *Backend) ConnFD() (int, error) {
	return -1, ErrNoParentSocket
}

func (b *Backend) Barrier(ctx context.Context) error {
	return b.collective(ctx, opBarrier, nil, nil, fabric.MasterRank)
}

func (b *Backend) Broadcast(ctx context.Context, buf []byte, root int) error {
	return b.collective(ctx, opBroadcast, buf, buf, root)
}

func (b *Backend) Gather(ctx context.Context, send, recv []byte, root int) error {
	return b.collective(ctx, opGather, send, recv, root)
}

func (b *Backend) Scatter(ctx context.Context, send, recv []byte, root int) error {
	return b.collective(ctx, opScatter, send, recv, root)
}

func (b *Backend) Close(ctx context.Context) error {
	return nil
}

// Finalize leaves the group. The group is dropped once every participant has
// left.
func (b *Backend) Finalize(ctx context.Context) error {
	if b.group == nil {
		return nil
	}
	b.finalizeOnce.Do(func() {
		leave(b.group)
	})
	return nil
}

func (b *Backend) collective(ctx context.Context, op opKind, send, recv []byte, root int) error {
	if b.group == nil {
		return ErrNotJoined
	}
	if root < 0 || root >= b.group.size {
		return fmt.Errorf("%w: %d", ErrRootOutOfRange, root)
	}
	seq := b.seq
	b.seq++
	return b.group.enter(ctx, seq, b.rank, op, root, send, recv)
}
