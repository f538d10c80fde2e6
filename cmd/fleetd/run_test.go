package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fleetctl/internal/debugger"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/fabric/local"
	"github.com/danmuck/fleetctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestExchangeHosts(t *testing.T) {
	testlog.Start(t)
	const size = 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	tables := map[int]HostTable{}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			host := fmt.Sprintf("node%02d", i)
			sess, err := fabric.Init(gctx, fabric.Options{
				Backend:       local.Name,
				BackendConfig: local.Config{Group: t.Name(), Size: size},
				Hostname:      host,
			})
			if err != nil {
				return err
			}
			table, err := exchangeHosts(gctx, sess, host)
			if err != nil {
				return err
			}
			rank, _ := sess.Rank()
			mu.Lock()
			tables[rank] = table
			mu.Unlock()
			return sess.Finalize(gctx)
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, tables, size)
	master := tables[0]
	require.Len(t, master.Hosts, size)
	hosts := append([]string(nil), master.Hosts...)
	for r := 0; r < size; r++ {
		require.Equal(t, fmt.Sprintf("%s#%d", master.Hosts[r], r), tables[r].Label)
		if r > 0 {
			require.Nil(t, tables[r].Hosts)
		}
	}
	require.ElementsMatch(t, []string{"node00", "node01", "node02", "node03"}, hosts)
}

func TestRunSessionWithDebuggerHandshake(t *testing.T) {
	testlog.Start(t)
	var script bytes.Buffer
	require.NoError(t, debugger.WriteMessage(&script, debugger.NewMessage(debugger.VersionReply{ProtocolVersion: 3})))
	require.NoError(t, debugger.WriteMessage(&script, debugger.NewMessage(debugger.EndDebugReply{})))
	var sent bytes.Buffer
	h := debugger.New(&script, &sent)

	err := runSession(context.Background(), fabric.Options{
		Backend:       local.Name,
		BackendConfig: local.Config{Group: t.Name(), Size: 1},
		Hostname:      "solo",
		Handshaker:    h,
	})
	require.NoError(t, err)
	require.True(t, h.Last().EndDebugSent)
	require.Equal(t, 2*debugger.HeaderLen, sent.Len())
}

func TestRunSessionReportsHandshakeFailure(t *testing.T) {
	testlog.Start(t)
	h := debugger.New(bytes.NewReader(nil), &bytes.Buffer{})
	err := runSession(context.Background(), fabric.Options{
		Backend:       local.Name,
		BackendConfig: local.Config{Group: t.Name(), Size: 1},
		Handshaker:    h,
	})
	require.ErrorIs(t, err, fabric.ErrProtocolMismatch)
	require.ErrorIs(t, err, debugger.ErrProtocolMismatch)
	require.Equal(t, "protocol_mismatch", fabric.Code(err))
}

func TestPackSlot(t *testing.T) {
	require.Equal(t, "abc", unpackSlot(packSlot("abc")))
	long := strings.Repeat("x", hostSlot+10)
	require.Len(t, unpackSlot(packSlot(long)), hostSlot)
	require.Empty(t, unpackSlot(packSlot("")))
}

func TestExecuteVersion(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"fleetd", "version"}, &out))
	require.Contains(t, out.String(), "fleetd dev")
	require.Contains(t, out.String(), "local")
	require.Contains(t, out.String(), "tree")
}

func TestExecuteTemplateAndValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "fleetd.toml")
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"fleetd", "template", "--kind", "tree", "-o", path}, &out))
	_, err := os.Stat(path)
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, execute(context.Background(), []string{"fleetd", "--config", path, "validate"}, &out))
	require.Contains(t, out.String(), "backend=tree")

	err = execute(context.Background(), []string{"fleetd", "--config", path, "--backend", "smoke-signals", "validate"}, &out)
	require.ErrorIs(t, err, fabric.ErrConfiguration)
}

func TestExecuteRunLocal(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "fleetd.toml")
	content := fmt.Sprintf("backend = \"local\"\nhostname = \"solo\"\ncollective_timeout = \"5s\"\n[local]\ngroup = %q\nsize = 1\n", t.Name())
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), []string{"fleetd", "--config", path, "run"}, &out))
	// run is the default command.
	require.NoError(t, execute(context.Background(), []string{"fleetd", "-c", path}, &out))
}

func TestExecuteRunWithoutBackend(t *testing.T) {
	testlog.Start(t)
	prev := fabric.SelectedBackend
	fabric.SelectedBackend = ""
	t.Cleanup(func() { fabric.SelectedBackend = prev })

	err := execute(context.Background(), []string{"fleetd", "run"}, &bytes.Buffer{})
	require.ErrorIs(t, err, fabric.ErrConfiguration)
	require.Equal(t, "configuration_error", fabric.Code(err))
}
