// Package tree is a TCP tree-overlay fabric backend.
//
// Daemons form a k-ary tree rooted at rank 0. Opening the session is a
// distinct connect/listen phase: every daemon listens for its children,
// dials its parent and exchanges a join record carrying rank, size, session
// id and the hostname it registers with the fabric. The master optionally
// dials a front-end coordinator; that socket is its connection descriptor.
package tree

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/danmuck/fleetctl/internal/auth"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/protocol/dial"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Name is the registry name of this backend.
const Name = "tree"

var (
	ErrInvalidConfig   = errors.New("tree: invalid config")
	ErrRankUnresolved  = errors.New("tree: rank not resolvable from hostname")
	ErrUnexpectedChild = errors.New("tree: unexpected child")
	ErrSessionMismatch = errors.New("tree: session mismatch")
	ErrNotOpen         = errors.New("tree: session not open")
	ErrRootUnsupported = errors.New("tree: only rank 0 can be root")
	ErrBufferMismatch  = errors.New("tree: buffer length mismatch")
	ErrNoParentSocket  = errors.New("tree: no front-end socket")
	ErrJoinRejected    = errors.New("tree: join rejected")
)

// Config describes this daemon's place in the tree.
type Config struct {
	// Rank of this daemon; negative resolves it by matching the registered
	// hostname against Hosts.
	Rank int `toml:"rank"`
	Size int `toml:"size"`
	// GlobalID defaults to the rank when negative.
	GlobalID int `toml:"global_id"`
	// Hosts holds the listen address of every rank, indexed by rank.
	Hosts  []string `toml:"hosts"`
	Fanout int      `toml:"fanout"`
	// SessionID is generated by the master when empty.
	SessionID string `toml:"session_id"`
	// Frontend is dialed by rank 0 only.
	Frontend string `toml:"frontend"`
	// Token is the security-check token every join must carry. Empty
	// disables the check.
	Token string      `toml:"-"`
	Dial  dial.Config `toml:"-"`
	// Listener, when set, is used instead of listening on Hosts[Rank].
	Listener net.Listener `toml:"-"`
}

// DefaultConfig returns a binary tree config with no members.
func DefaultConfig() Config {
	return Config{
		Rank:     -1,
		GlobalID: -1,
		Fanout:   2,
		Dial:     dial.DefaultConfig(),
	}
}

// Validate checks the static shape of the tree.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if len(c.Hosts) != c.Size {
		return fmt.Errorf("%w: %d hosts for size %d", ErrInvalidConfig, len(c.Hosts), c.Size)
	}
	if c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d outside size %d", ErrInvalidConfig, c.Rank, c.Size)
	}
	if c.Fanout < 1 {
		return fmt.Errorf("%w: fanout must be at least 1, got %d", ErrInvalidConfig, c.Fanout)
	}
	for i, h := range c.Hosts {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(h)); err != nil {
			return fmt.Errorf("%w: hosts[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}

func init() {
	fabric.Register(Name, func(cfg any) (fabric.Backend, error) {
		switch c := cfg.(type) {
		case Config:
			return New(c)
		case *Config:
			return New(*c)
		case nil:
			return nil, fmt.Errorf("%w: tree backend needs a config", ErrInvalidConfig)
		default:
			return nil, fmt.Errorf("%w: unexpected config type %T", ErrInvalidConfig, cfg)
		}
	})
}

type child struct {
	rank     int
	hostname string
	conn     net.Conn
}

// Backend is one daemon's end of the tree.
type Backend struct {
	cfg       Config
	dialer    *dial.Dialer
	validator auth.Validator

	rank     int
	session  string
	hostname string

	listener net.Listener
	up       net.Conn
	children []child
	frontend net.Conn
	seq      uint64

	closeOnce    sync.Once
	finalizeOnce sync.Once
}

var _ fabric.Backend = (*Backend)(nil)
var _ fabric.RankQuerier = (*Backend)(nil)

// New validates cfg and returns an unopened backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Fanout == 0 {
		cfg.Fanout = 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{
		cfg:       cfg,
		dialer:    dial.New(cfg.Dial),
		validator: auth.ForToken(cfg.Token),
		rank:      fabric.Unassigned,
	}, nil
}

func (b *Backend) Name() string {
	return Name
}

// Init opens the session: listen for children, join the parent, admit the
// children. It reports the configured rank; a rank resolved from the
// hostname is available through QueryRank.
func (b *Backend) Init(ctx context.Context, req fabric.InitRequest) (fabric.Membership, error) {
	member := fabric.Membership{Rank: b.cfg.Rank, Size: b.cfg.Size, GlobalID: fabric.Unassigned}
	if b.cfg.Rank < 0 {
		member.Rank = fabric.Unassigned
	}
	if b.cfg.GlobalID >= 0 {
		member.GlobalID = b.cfg.GlobalID
	}

	rank, err := b.resolveRank(req.Hostname)
	if err != nil {
		return fabric.UnassignedMembership(), err
	}
	b.rank = rank
	b.hostname = strings.TrimSpace(req.Hostname)
	if b.hostname == "" {
		host, _, _ := net.SplitHostPort(b.cfg.Hosts[rank])
		b.hostname = host
	}

	if err := b.open(ctx, member.GlobalID); err != nil {
		_ = b.Close(context.Background())
		_ = b.Finalize(context.Background())
		return fabric.UnassignedMembership(), err
	}
	return member, nil
}

func (b *Backend) QueryRank() (int, error) {
	if b.rank < 0 {
		return fabric.Unassigned, ErrNotOpen
	}
	return b.rank, nil
}

func (b *Backend) QuerySize() (int, error) {
	return b.cfg.Size, nil
}

func (b *Backend) resolveRank(hostname string) (int, error) {
	if b.cfg.Rank >= 0 {
		return b.cfg.Rank, nil
	}
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return fabric.Unassigned, fmt.Errorf("%w: no hostname registered", ErrRankUnresolved)
	}
	for i, h := range b.cfg.Hosts {
		host, _, err := net.SplitHostPort(h)
		if err == nil && strings.EqualFold(host, hostname) {
			return i, nil
		}
	}
	return fabric.Unassigned, fmt.Errorf("%w: %q", ErrRankUnresolved, hostname)
}

func (b *Backend) open(ctx context.Context, globalID int) error {
	kids := childrenOf(b.rank, b.cfg.Size, b.cfg.Fanout)
	if len(kids) > 0 {
		ln := b.cfg.Listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", b.cfg.Hosts[b.rank])
			if err != nil {
				return fmt.Errorf("tree: listen %s: %w", b.cfg.Hosts[b.rank], err)
			}
		}
		b.listener = ln
	}

	if b.rank == 0 {
		b.session = strings.TrimSpace(b.cfg.SessionID)
		if b.session == "" {
			b.session = uuid.New().String()
		}
	} else if err := b.joinParent(ctx, globalID); err != nil {
		return err
	}

	if err := b.admitChildren(ctx, kids); err != nil {
		return err
	}

	if b.rank == 0 && strings.TrimSpace(b.cfg.Frontend) != "" {
		conn, err := b.dialer.Dial(ctx, b.cfg.Frontend)
		if err != nil {
			return fmt.Errorf("tree: dial front-end %s: %w", b.cfg.Frontend, err)
		}
		b.frontend = conn
	}

	log.Info().
		Int("rank", b.rank).
		Int("size", b.cfg.Size).
		Int("children", len(b.children)).
		Str("session", b.session).
		Str("hostname", b.hostname).
		Msg("tree.open ready")
	return nil
}

func (b *Backend) joinParent(ctx context.Context, globalID int) error {
	parent := parentOf(b.rank, b.cfg.Fanout)
	addr := b.cfg.Hosts[parent]
	conn, err := b.dialer.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("tree: dial parent rank %d at %s: %w", parent, addr, err)
	}
	b.up = conn

	release := guard(ctx, []net.Conn{conn})
	defer release()

	req := join{
		Rank:     b.rank,
		GlobalID: globalID,
		Size:     b.cfg.Size,
		Session:  strings.TrimSpace(b.cfg.SessionID),
		Hostname: b.hostname,
		Token:    b.cfg.Token,
	}
	if err := writeMsg(conn, msgJoin, joinSeq, encodeJoin(req)); err != nil {
		return fmt.Errorf("tree: send join: %w", err)
	}
	payload, err := readMsg(conn, msgJoinAck, joinSeq)
	if err != nil {
		return fmt.Errorf("tree: read join ack: %w", err)
	}
	ack, err := decodeJoin(payload)
	if err != nil {
		return fmt.Errorf("tree: decode join ack: %w", err)
	}
	if req.Session != "" && ack.Session != req.Session {
		return fmt.Errorf("%w: parent has %q, configured %q", ErrSessionMismatch, ack.Session, req.Session)
	}
	b.session = ack.Session
	log.Debug().Int("rank", b.rank).Int("parent", ack.Rank).Str("parent_host", ack.Hostname).Msg("tree.joinParent joined")
	return nil
}

func (b *Backend) admitChildren(ctx context.Context, kids []int) error {
	if len(kids) == 0 {
		return nil
	}
	expected := make(map[int]bool, len(kids))
	for _, k := range kids {
		expected[k] = true
	}

	stop := context.AfterFunc(ctx, func() {
		_ = b.listener.Close()
	})
	defer stop()

	admitted := make([]child, 0, len(kids))
	for len(admitted) < len(kids) {
		conn, err := b.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("tree: accept children: %w", ctx.Err())
			}
			return fmt.Errorf("tree: accept children: %w", err)
		}
		c, err := b.admit(ctx, conn, expected)
		if err != nil {
			_ = conn.Close()
			for _, a := range admitted {
				_ = a.conn.Close()
			}
			return err
		}
		delete(expected, c.rank)
		admitted = append(admitted, c)
	}

	// children are kept in rank order so every fan-out is deterministic
	ordered := make([]child, 0, len(admitted))
	for _, k := range kids {
		for _, a := range admitted {
			if a.rank == k {
				ordered = append(ordered, a)
			}
		}
	}
	b.children = ordered
	return nil
}

func (b *Backend) admit(ctx context.Context, conn net.Conn, expected map[int]bool) (child, error) {
	release := guard(ctx, []net.Conn{conn})
	defer release()

	payload, err := readMsg(conn, msgJoin, joinSeq)
	if err != nil {
		return child{}, fmt.Errorf("tree: read join: %w", err)
	}
	req, err := decodeJoin(payload)
	if err != nil {
		return child{}, fmt.Errorf("tree: decode join: %w", err)
	}
	if !expected[req.Rank] {
		return child{}, fmt.Errorf("%w: rank %d joined rank %d", ErrUnexpectedChild, req.Rank, b.rank)
	}
	if err := b.validator.Validate(req.Token); err != nil {
		return child{}, fmt.Errorf("%w: rank %d: %w", ErrJoinRejected, req.Rank, err)
	}
	if req.Size != b.cfg.Size {
		return child{}, fmt.Errorf("%w: rank %d has size %d, want %d", ErrInvalidConfig, req.Rank, req.Size, b.cfg.Size)
	}
	if req.Session != "" && req.Session != b.session {
		return child{}, fmt.Errorf("%w: rank %d has %q, want %q", ErrSessionMismatch, req.Rank, req.Session, b.session)
	}
	ack := join{Rank: b.rank, GlobalID: -1, Size: b.cfg.Size, Session: b.session, Hostname: b.hostname}
	if err := writeMsg(conn, msgJoinAck, joinSeq, encodeJoin(ack)); err != nil {
		return child{}, fmt.Errorf("tree: send join ack: %w", err)
	}
	log.Debug().Int("rank", b.rank).Int("child", req.Rank).Str("child_host", req.Hostname).Msg("tree.admit child joined")
	return child{rank: req.Rank, hostname: req.Hostname, conn: conn}, nil
}

// ConnFD returns the front-end socket descriptor of the master.
func (b *Backend) ConnFD() (int, error) {
	if b.rank != 0 || b.frontend == nil {
		return -1, ErrNoParentSocket
	}
	sc, ok := b.frontend.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%w: %T exposes no descriptor", ErrNoParentSocket, b.frontend)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Close tears down every session connection. It is idempotent.
func (b *Backend) Close(ctx context.Context) error {
	var errs []error
	b.closeOnce.Do(func() {
		for _, c := range b.children {
			if err := c.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		b.children = nil
		if b.up != nil {
			if err := b.up.Close(); err != nil {
				errs = append(errs, err)
			}
			b.up = nil
		}
		if b.frontend != nil {
			if err := b.frontend.Close(); err != nil {
				errs = append(errs, err)
			}
			b.frontend = nil
		}
	})
	return errors.Join(errs...)
}

// Finalize releases the listener. It is idempotent.
func (b *Backend) Finalize(ctx context.Context) error {
	var err error
	b.finalizeOnce.Do(func() {
		if b.listener != nil {
			err = b.listener.Close()
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			b.listener = nil
		}
	})
	return err
}

func (b *Backend) conns() []net.Conn {
	out := make([]net.Conn, 0, len(b.children)+1)
	if b.up != nil {
		out = append(out, b.up)
	}
	for _, c := range b.children {
		out = append(out, c.conn)
	}
	return out
}

func (b *Backend) readChildren(msgType uint32, seq uint64) ([][]byte, error) {
	out := make([][]byte, len(b.children))
	var g errgroup.Group
	for i, c := range b.children {
		g.Go(func() error {
			payload, err := readMsg(c.conn, msgType, seq)
			if err != nil {
				return fmt.Errorf("child rank %d: %w", c.rank, err)
			}
			out[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) writeChildren(msgType uint32, seq uint64, payload func(c child) []byte) error {
	for _, c := range b.children {
		if err := writeMsg(c.conn, msgType, seq, payload(c)); err != nil {
			return fmt.Errorf("child rank %d: %w", c.rank, err)
		}
	}
	return nil
}
