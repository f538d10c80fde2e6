package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fleetctl/internal/bootargs"
	"github.com/danmuck/fleetctl/internal/fabric/local"
	"github.com/danmuck/fleetctl/internal/fabric/tree"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := load("", noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Local != local.DefaultConfig() {
		t.Fatalf("unexpected local config: %+v", cfg.Local)
	}
	if cfg.Tree.Rank != -1 || cfg.Tree.Fanout != 2 {
		t.Fatalf("unexpected tree defaults: %+v", cfg.Tree)
	}
	if cfg.Debugger.Enabled || cfg.Debugger.ReadFD != 3 || cfg.Debugger.WriteFD != 4 {
		t.Fatalf("unexpected debugger defaults: %+v", cfg.Debugger)
	}
	if cfg.CollectiveTimeout != 0 {
		t.Fatalf("unexpected timeout: %s", cfg.CollectiveTimeout)
	}
}

func TestLoadOverlaysDefinedKeysOnly(t *testing.T) {
	path := writeConfig(t, `
backend = "tree"
hostname = "node01"
collective_timeout = "45s"

[tree]
size = 3
hosts = [" node00:7400", "node01:7400", "node02:7400 "]
session_id = "job-17"
dial_timeout = "2s"

[debugger]
enabled = true
`)
	cfg, err := load(path, noEnv)
	require.NoError(t, err)
	require.Equal(t, "tree", cfg.Backend)
	require.Equal(t, "node01", cfg.Hostname)
	require.Equal(t, 45*time.Second, cfg.CollectiveTimeout)
	require.Equal(t, -1, cfg.Tree.Rank)
	require.Equal(t, 2, cfg.Tree.Fanout)
	require.Equal(t, 3, cfg.Tree.Size)
	require.Equal(t, []string{"node00:7400", "node01:7400", "node02:7400"}, cfg.Tree.Hosts)
	require.Equal(t, "job-17", cfg.Tree.SessionID)
	require.Equal(t, 2*time.Second, cfg.Tree.Dial.ConnectTimeout)
	require.True(t, cfg.Debugger.Enabled)
	require.Equal(t, 3, cfg.Debugger.ReadFD)

	bc, ok := cfg.BackendConfig().(tree.Config)
	require.True(t, ok)
	require.Equal(t, 3, bc.Size)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "backend = \"local\"\nfanout = 3\n")
	_, err := load(path, noEnv)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "collective_timeout = \"soon\"\n")
	_, err := load(path, noEnv)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "backend = \"infiniband\"\n")
	_, err := load(path, noEnv)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.toml"), noEnv)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "backend = \"local\"\n[local]\nsize = 2\n")
	cfg, err := load(path, envMap(map[string]string{
		EnvBackend: "tree",
		EnvRank:    "4",
		EnvSize:    "8",

		bootargs.EnvSecurityCheck: "chk-1",
	}))
	require.NoError(t, err)
	require.Equal(t, "tree", cfg.Backend)
	require.Equal(t, 4, cfg.Tree.Rank)
	require.Equal(t, 8, cfg.Tree.Size)
	require.Equal(t, 8, cfg.Local.Size)
	require.Equal(t, "chk-1", cfg.Tree.Token)

	_, err = load(path, envMap(map[string]string{EnvRank: "four"}))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidateDebuggerPipes(t *testing.T) {
	cfg := Default()
	cfg.Debugger.Enabled = true
	cfg.Debugger.WriteFD = cfg.Debugger.ReadFD
	require.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Debugger.WriteFD = -1
	require.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg.Debugger.Enabled = false
	require.NoError(t, cfg.Validate())
}

func TestBackendConfigSelection(t *testing.T) {
	cfg := Default()
	cfg.Backend = "LOCAL"
	lc, ok := cfg.BackendConfig().(local.Config)
	require.True(t, ok)
	require.Equal(t, "fleet", lc.Group)

	opts := cfg.FabricOptions([]string{"fleetd"})
	require.Equal(t, "LOCAL", opts.Backend)
	require.Equal(t, []string{"fleetd"}, opts.Args)
	require.NotEmpty(t, opts.Hostname)

	cfg.Backend = "unknown"
	require.Nil(t, cfg.BackendConfig())
}

func TestTemplatesLoad(t *testing.T) {
	for _, kind := range []string{"local", "tree"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), kind+".toml")
			require.NoError(t, WriteTemplate(path, kind, false))
			require.Error(t, WriteTemplate(path, kind, false))
			require.NoError(t, WriteTemplate(path, kind, true))

			cfg, err := load(path, noEnv)
			require.NoError(t, err)
			require.Equal(t, kind, cfg.BackendName())
		})
	}
	_, err := Template("mirage")
	require.Error(t, err)
}
