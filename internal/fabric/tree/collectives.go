package tree

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Each collective takes the next call sequence number. Every frame carries it
// so a daemon that issued a different call sequence is detected instead of
// silently mixing payloads.

func (b *Backend) begin(ctx context.Context, root int) (uint64, func(), error) {
	if b.rank < 0 || (b.rank > 0 && b.up == nil) {
		return 0, nil, ErrNotOpen
	}
	if root != 0 {
		return 0, nil, fmt.Errorf("%w: got %d", ErrRootUnsupported, root)
	}
	b.seq++
	return b.seq, guard(ctx, b.conns()), nil
}

func (b *Backend) finish(ctx context.Context, op string, seq uint64, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("tree: %s call %d: %w", op, seq, ctxErr)
	}
	// the conn deadline can fire just ahead of the context timer
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("tree: %s call %d: %w", op, seq, context.DeadlineExceeded)
	}
	return fmt.Errorf("tree: %s call %d: %w", op, seq, err)
}

// Barrier gathers an empty token up the tree and releases it back down.
func (b *Backend) Barrier(ctx context.Context) error {
	seq, release, err := b.begin(ctx, 0)
	if err != nil {
		return err
	}
	defer release()
	return b.finish(ctx, "barrier", seq, b.barrier(seq))
}

func (b *Backend) barrier(seq uint64) error {
	if _, err := b.readChildren(msgBarrierUp, seq); err != nil {
		return err
	}
	if b.up != nil {
		if err := writeMsg(b.up, msgBarrierUp, seq, nil); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		if _, err := readMsg(b.up, msgBarrierDown, seq); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
	}
	return b.writeChildren(msgBarrierDown, seq, func(child) []byte { return nil })
}

// Broadcast sends the master's buf down the tree.
func (b *Backend) Broadcast(ctx context.Context, buf []byte, root int) error {
	seq, release, err := b.begin(ctx, root)
	if err != nil {
		return err
	}
	defer release()
	return b.finish(ctx, "broadcast", seq, b.broadcast(seq, buf))
}

func (b *Backend) broadcast(seq uint64, buf []byte) error {
	if b.up != nil {
		payload, err := readMsg(b.up, msgBroadcast, seq)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		if len(payload) != len(buf) {
			return fmt.Errorf("%w: root sent %d bytes, buffer holds %d", ErrBufferMismatch, len(payload), len(buf))
		}
		copy(buf, payload)
	}
	return b.writeChildren(msgBroadcast, seq, func(child) []byte { return buf })
}

// Gather collects every subtree's entries and assembles them on the master
// in rank order.
func (b *Backend) Gather(ctx context.Context, send, recv []byte, root int) error {
	seq, release, err := b.begin(ctx, root)
	if err != nil {
		return err
	}
	defer release()
	return b.finish(ctx, "gather", seq, b.gather(seq, send, recv))
}

func (b *Backend) gather(seq uint64, send, recv []byte) error {
	entries := []entry{{Rank: b.rank, Data: send}}
	payloads, err := b.readChildren(msgGatherUp, seq)
	if err != nil {
		return err
	}
	for i, p := range payloads {
		sub, err := decodeEntries(p)
		if err != nil {
			return fmt.Errorf("child rank %d: %w", b.children[i].rank, err)
		}
		entries = append(entries, sub...)
	}

	if b.up != nil {
		if err := writeMsg(b.up, msgGatherUp, seq, encodeEntries(entries)); err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		return nil
	}

	n := len(send)
	if len(entries) != b.cfg.Size {
		return fmt.Errorf("%w: gathered %d entries for size %d", ErrBufferMismatch, len(entries), b.cfg.Size)
	}
	if len(recv) < n*b.cfg.Size {
		return fmt.Errorf("%w: recv holds %d bytes, need %d", ErrBufferMismatch, len(recv), n*b.cfg.Size)
	}
	seen := make([]bool, b.cfg.Size)
	for _, e := range entries {
		if e.Rank < 0 || e.Rank >= b.cfg.Size || seen[e.Rank] {
			return fmt.Errorf("%w: bad or duplicate rank %d", ErrUnexpectedChild, e.Rank)
		}
		if len(e.Data) != n {
			return fmt.Errorf("%w: rank %d sent %d bytes, root sent %d", ErrBufferMismatch, e.Rank, len(e.Data), n)
		}
		seen[e.Rank] = true
		copy(recv[e.Rank*n:(e.Rank+1)*n], e.Data)
	}
	return nil
}

// Scatter slices the master's send buffer by rank and routes each child the
// slices of its subtree.
func (b *Backend) Scatter(ctx context.Context, send, recv []byte, root int) error {
	seq, release, err := b.begin(ctx, root)
	if err != nil {
		return err
	}
	defer release()
	return b.finish(ctx, "scatter", seq, b.scatter(seq, send, recv))
}

func (b *Backend) scatter(seq uint64, send, recv []byte) error {
	n := len(recv)
	slices := make(map[int][]byte)
	if b.up == nil {
		if len(send) < n*b.cfg.Size {
			return fmt.Errorf("%w: send holds %d bytes, need %d", ErrBufferMismatch, len(send), n*b.cfg.Size)
		}
		for r := 0; r < b.cfg.Size; r++ {
			slices[r] = send[r*n : (r+1)*n]
		}
	} else {
		payload, err := readMsg(b.up, msgScatterDown, seq)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		entries, err := decodeEntries(payload)
		if err != nil {
			return fmt.Errorf("parent: %w", err)
		}
		for _, e := range entries {
			slices[e.Rank] = e.Data
		}
	}

	own, ok := slices[b.rank]
	if !ok {
		return fmt.Errorf("%w: no slice for rank %d", ErrBufferMismatch, b.rank)
	}
	if len(own) != n {
		return fmt.Errorf("%w: slice holds %d bytes, recv holds %d", ErrBufferMismatch, len(own), n)
	}
	copy(recv, own)

	return b.writeChildren(msgScatterDown, seq, func(c child) []byte {
		ranks := subtreeOf(c.rank, b.cfg.Size, b.cfg.Fanout)
		sub := make([]entry, 0, len(ranks))
		for _, r := range ranks {
			sub = append(sub, entry{Rank: r, Data: slices[r]})
		}
		return encodeEntries(sub)
	})
}
