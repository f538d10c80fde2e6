package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/fleetctl/internal/debugger"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// hostSlot is the fixed per-daemon width of the host table.
const hostSlot = 64

// runCmd joins the fleet, exchanges host info and shuts down.
type runCmd struct{}

func (c *runCmd) Run(ctx context.Context, root *rootCmd, args sanitizedArgs) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		mctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := observability.Serve(mctx, cfg.MetricsListen); err != nil {
				log.Warn().Err(err).Msg("fleetd metrics endpoint stopped")
			}
		}()
	}

	opts := cfg.FabricOptions(args)
	if cfg.Debugger.Enabled {
		h, pipes := debugger.OpenPipes(cfg.Debugger.ReadFD, cfg.Debugger.WriteFD)
		defer pipes.Close()
		opts.Handshaker = h
	}
	return runSession(ctx, opts)
}

// runSession is the daemon lifecycle on an initialized fabric: host table
// exchange, front-end descriptor lookup, final barrier, shutdown.
func runSession(ctx context.Context, opts fabric.Options) error {
	sess, err := fabric.Init(ctx, opts)
	if err != nil {
		return err
	}

	table, err := exchangeHosts(ctx, sess, opts.Hostname)
	if err == nil && sess.IsMaster() {
		logFrontend(sess, table)
	}
	if err == nil {
		err = sess.Barrier(ctx)
	}
	return errors.Join(err, sess.Finalize(ctx))
}

// HostTable is what the master learns about the fleet.
type HostTable struct {
	Hosts []string
	// Label is the name the master assigned to this daemon.
	Label string
}

// exchangeHosts gathers every daemon's hostname on the master, scatters back
// a per-rank label and broadcasts the master's hostname.
func exchangeHosts(ctx context.Context, sess *fabric.Session, hostname string) (HostTable, error) {
	rank, err := sess.Rank()
	if err != nil {
		return HostTable{}, err
	}
	size, err := sess.Size()
	if err != nil {
		return HostTable{}, err
	}

	var all []byte
	if sess.IsMaster() {
		all = make([]byte, size*hostSlot)
	}
	if err := sess.Gather(ctx, packSlot(hostname), all); err != nil {
		return HostTable{}, err
	}

	var table HostTable
	if sess.IsMaster() {
		table.Hosts = make([]string, size)
		for r := range table.Hosts {
			table.Hosts[r] = unpackSlot(all[r*hostSlot : (r+1)*hostSlot])
			copy(all[r*hostSlot:(r+1)*hostSlot], packSlot(fmt.Sprintf("%s#%d", table.Hosts[r], r)))
		}
	}

	label := make([]byte, hostSlot)
	if err := sess.Scatter(ctx, all, label); err != nil {
		return HostTable{}, err
	}
	table.Label = unpackSlot(label)

	master := make([]byte, hostSlot)
	if sess.IsMaster() {
		copy(master, packSlot(hostname))
	}
	if err := sess.Broadcast(ctx, master); err != nil {
		return HostTable{}, err
	}

	log.Debug().
		Int("rank", rank).
		Str("label", table.Label).
		Str("master", unpackSlot(master)).
		Msg("fleetd.exchangeHosts done")
	return table, nil
}

func logFrontend(sess *fabric.Session, table HostTable) {
	fd, err := sess.ConnectionDescriptor()
	ev := log.Info().Strs("hosts", table.Hosts)
	if err != nil {
		ev = ev.Str("frontend", "unavailable")
	} else {
		ev = ev.Int("frontend_fd", fd)
	}
	ev.Msg("fleetd master host table ready")
}

// packSlot truncates s to one NUL-padded slot.
func packSlot(s string) []byte {
	b := make([]byte, hostSlot)
	copy(b, s)
	return b
}

func unpackSlot(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
