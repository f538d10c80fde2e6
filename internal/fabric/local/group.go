package local

import (
	"context"
	"fmt"
	"sync"
)

type opKind string

const (
	opBarrier   opKind = "barrier"
	opBroadcast opKind = "broadcast"
	opGather    opKind = "gather"
	opScatter   opKind = "scatter"
)

var (
	groupsMu sync.Mutex
	groups   = map[string]*group{}
)

type group struct {
	name  string
	size  int
	ready chan struct{}

	mu     sync.Mutex
	slots  []bool
	joined int
	left   int
	rounds map[uint64]*round
}

// round is one collective call, identified by the per-participant call
// sequence number.
type round struct {
	op      opKind
	root    int
	arrived int
	drained int
	send    [][]byte
	recv    [][]byte
	err     error
	done    chan struct{}
}

func join(cfg Config) (*group, int, error) {
	groupsMu.Lock()
	defer groupsMu.Unlock()

	g, ok := groups[cfg.Group]
	if !ok {
		g = &group{
			name:   cfg.Group,
			size:   cfg.Size,
			ready:  make(chan struct{}),
			slots:  make([]bool, cfg.Size),
			rounds: make(map[uint64]*round),
		}
		groups[cfg.Group] = g
	}
	if g.size != cfg.Size {
		return nil, 0, fmt.Errorf("%w: group %q has size %d, config says %d", ErrSizeMismatch, g.name, g.size, cfg.Size)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joined >= g.size {
		return nil, 0, fmt.Errorf("%w: %q", ErrGroupFull, g.name)
	}
	rank := 0
	for g.slots[rank] {
		rank++
	}
	g.slots[rank] = true
	g.joined++
	if g.joined == g.size {
		close(g.ready)
	}
	return g, rank, nil
}

// withdraw gives back rank's slot while the group is still wiring up. It
// reports false once the group is complete; the slot is then kept.
func withdraw(g *group, rank int) bool {
	groupsMu.Lock()
	defer groupsMu.Unlock()

	g.mu.Lock()
	if g.joined == g.size {
		g.mu.Unlock()
		return false
	}
	g.slots[rank] = false
	g.joined--
	empty := g.joined == 0
	g.mu.Unlock()

	if empty && groups[g.name] == g {
		delete(groups, g.name)
	}
	return true
}

func leave(g *group) {
	groupsMu.Lock()
	defer groupsMu.Unlock()

	g.mu.Lock()
	g.left++
	empty := g.left >= g.size
	g.mu.Unlock()

	if empty && groups[g.name] == g {
		delete(groups, g.name)
	}
}

// enter contributes this rank's buffers to round seq and waits for the round
// to complete. The last participant to arrive moves the bytes.
func (g *group) enter(ctx context.Context, seq uint64, rank int, op opKind, root int, send, recv []byte) error {
	g.mu.Lock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &round{
			op:   op,
			root: root,
			send: make([][]byte, g.size),
			recv: make([][]byte, g.size),
			done: make(chan struct{}),
		}
		g.rounds[seq] = r
	}
	if r.op != op || r.root != root {
		if r.err == nil {
			r.err = fmt.Errorf("%w: call %d: rank %d entered %s(root=%d), round is %s(root=%d)", ErrOpMismatch, seq, rank, op, root, r.op, r.root)
		}
	}
	r.send[rank] = send
	r.recv[rank] = recv
	r.arrived++
	if r.arrived == g.size {
		if r.err == nil {
			r.err = r.complete()
		}
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		if err := g.abort(r, seq, rank, ctx.Err()); err != nil {
			return fmt.Errorf("local: %s call %d: %w", op, seq, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.drain(r, seq)
	return r.err
}

// abort withdraws rank's buffers from a round that has not completed and
// fails the round for everyone else. It returns nil when the round completed
// first, in which case the caller takes the round's result.
func (g *group) abort(r *round, seq uint64, rank int, cause error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-r.done:
		return nil
	default:
	}
	r.send[rank] = nil
	r.recv[rank] = nil
	if r.err == nil {
		r.err = fmt.Errorf("%w: rank %d left call %d: %v", ErrAborted, rank, seq, cause)
	}
	g.drain(r, seq)
	return cause
}

// drain counts one participant out of r. Callers hold g.mu.
func (g *group) drain(r *round, seq uint64) {
	r.drained++
	if r.drained == g.size {
		delete(g.rounds, seq)
	}
}

func (r *round) complete() error {
	switch r.op {
	case opBarrier:
		return nil
	case opBroadcast:
		src := r.send[r.root]
		for i, dst := range r.recv {
			if len(dst) != len(src) {
				return fmt.Errorf("%w: broadcast: rank %d has %d bytes, root has %d", ErrBufferMismatch, i, len(dst), len(src))
			}
		}
		for i, dst := range r.recv {
			if i != r.root {
				copy(dst, src)
			}
		}
		return nil
	case opGather:
		n := len(r.send[r.root])
		for i, src := range r.send {
			if len(src) != n {
				return fmt.Errorf("%w: gather: rank %d sent %d bytes, root sent %d", ErrBufferMismatch, i, len(src), n)
			}
		}
		dst := r.recv[r.root]
		if len(dst) < n*len(r.send) {
			return fmt.Errorf("%w: gather: root recv holds %d bytes, need %d", ErrBufferMismatch, len(dst), n*len(r.send))
		}
		for i, src := range r.send {
			copy(dst[i*n:(i+1)*n], src)
		}
		return nil
	case opScatter:
		n := len(r.recv[r.root])
		for i, dst := range r.recv {
			if len(dst) != n {
				return fmt.Errorf("%w: scatter: rank %d expects %d bytes, root expects %d", ErrBufferMismatch, i, len(dst), n)
			}
		}
		src := r.send[r.root]
		if len(src) < n*len(r.recv) {
			return fmt.Errorf("%w: scatter: root send holds %d bytes, need %d", ErrBufferMismatch, len(src), n*len(r.recv))
		}
		for i, dst := range r.recv {
			copy(dst, src[i*n:(i+1)*n])
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown op %q", ErrOpMismatch, r.op)
	}
}
