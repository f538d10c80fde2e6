package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fleetctl/internal/bootargs"
	"github.com/danmuck/fleetctl/internal/debugger"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/fabric/local"
	"github.com/danmuck/fleetctl/internal/fabric/tree"
)

const (
	EnvBackend = "FLEET_BACKEND"
	EnvRank    = "FLEET_RANK"
	EnvSize    = "FLEET_SIZE"
)

var ErrInvalid = errors.New("config: invalid")

// DebuggerConfig selects the shutdown handshake pipes.
type DebuggerConfig struct {
	Enabled bool
	ReadFD  int
	WriteFD int
}

// Config is the resolved daemon configuration.
type Config struct {
	// Backend overrides the build-time backend when non-empty.
	Backend           string
	Hostname          string
	CollectiveTimeout time.Duration
	MetricsListen     string

	Local    local.Config
	Tree     tree.Config
	Debugger DebuggerConfig
}

// fleetd config.toml key mapping to runtime settings.
type fileConfig struct {
	Backend           string `toml:"backend"`
	Hostname          string `toml:"hostname"`
	CollectiveTimeout string `toml:"collective_timeout"`
	MetricsListen     string `toml:"metrics_listen"`

	Local struct {
		Group string `toml:"group"`
		Size  int    `toml:"size"`
	} `toml:"local"`

	Tree struct {
		Rank         int      `toml:"rank"`
		Size         int      `toml:"size"`
		GlobalID     int      `toml:"global_id"`
		Hosts        []string `toml:"hosts"`
		Fanout       int      `toml:"fanout"`
		SessionID    string   `toml:"session_id"`
		Frontend     string   `toml:"frontend"`
		DialTimeout  string   `toml:"dial_timeout"`
		DialAttempts int      `toml:"dial_attempts"`
	} `toml:"tree"`

	Debugger struct {
		Enabled bool `toml:"enabled"`
		ReadFD  int  `toml:"read_fd"`
		WriteFD int  `toml:"write_fd"`
	} `toml:"debugger"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Local: local.DefaultConfig(),
		Tree:  tree.DefaultConfig(),
		Debugger: DebuggerConfig{
			ReadFD:  debugger.DefaultReadFD,
			WriteFD: debugger.DefaultWriteFD,
		},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fleetd loader for TOML config with default overlay.
func overlayFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load fleetd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("backend") {
		cfg.Backend = strings.TrimSpace(raw.Backend)
	}
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	if meta.IsDefined("collective_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CollectiveTimeout))
		if err != nil {
			return fmt.Errorf("%w: collective_timeout: %v", ErrInvalid, err)
		}
		cfg.CollectiveTimeout = d
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}

	if meta.IsDefined("local", "group") {
		cfg.Local.Group = strings.TrimSpace(raw.Local.Group)
	}
	if meta.IsDefined("local", "size") {
		cfg.Local.Size = raw.Local.Size
	}

	if meta.IsDefined("tree", "rank") {
		cfg.Tree.Rank = raw.Tree.Rank
	}
	if meta.IsDefined("tree", "size") {
		cfg.Tree.Size = raw.Tree.Size
	}
	if meta.IsDefined("tree", "global_id") {
		cfg.Tree.GlobalID = raw.Tree.GlobalID
	}
	if meta.IsDefined("tree", "hosts") {
		hosts := make([]string, 0, len(raw.Tree.Hosts))
		for _, h := range raw.Tree.Hosts {
			hosts = append(hosts, strings.TrimSpace(h))
		}
		cfg.Tree.Hosts = hosts
	}
	if meta.IsDefined("tree", "fanout") {
		cfg.Tree.Fanout = raw.Tree.Fanout
	}
	if meta.IsDefined("tree", "session_id") {
		cfg.Tree.SessionID = strings.TrimSpace(raw.Tree.SessionID)
	}
	if meta.IsDefined("tree", "frontend") {
		cfg.Tree.Frontend = strings.TrimSpace(raw.Tree.Frontend)
	}
	if meta.IsDefined("tree", "dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Tree.DialTimeout))
		if err != nil {
			return fmt.Errorf("%w: tree.dial_timeout: %v", ErrInvalid, err)
		}
		cfg.Tree.Dial.ConnectTimeout = d
	}
	if meta.IsDefined("tree", "dial_attempts") {
		cfg.Tree.Dial.MaxAttempts = raw.Tree.DialAttempts
	}

	if meta.IsDefined("debugger", "enabled") {
		cfg.Debugger.Enabled = raw.Debugger.Enabled
	}
	if meta.IsDefined("debugger", "read_fd") {
		cfg.Debugger.ReadFD = raw.Debugger.ReadFD
	}
	if meta.IsDefined("debugger", "write_fd") {
		cfg.Debugger.WriteFD = raw.Debugger.WriteFD
	}
	return nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv(EnvBackend); ok && strings.TrimSpace(v) != "" {
		cfg.Backend = strings.TrimSpace(v)
	}
	if v, ok := lookupEnv(EnvRank); ok && strings.TrimSpace(v) != "" {
		rank, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvRank, err)
		}
		cfg.Tree.Rank = rank
	}
	if v, ok := lookupEnv(EnvSize); ok && strings.TrimSpace(v) != "" {
		size, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvSize, err)
		}
		cfg.Tree.Size = size
		cfg.Local.Size = size
	}
	if v, ok := lookupEnv(bootargs.EnvSecurityCheck); ok {
		cfg.Tree.Token = v
	}
	return nil
}

// Validate checks settings that do not depend on the backend. Backend
// configs are validated by their factories at Init.
func (c Config) Validate() error {
	if c.CollectiveTimeout < 0 {
		return fmt.Errorf("%w: collective_timeout must not be negative", ErrInvalid)
	}
	if name := c.BackendName(); name != "" {
		if _, ok := fabric.Lookup(name); !ok {
			return fmt.Errorf("%w: backend %q not compiled in (have %v)", ErrInvalid, name, fabric.Backends())
		}
	}
	if c.Debugger.Enabled {
		if c.Debugger.ReadFD < 0 || c.Debugger.WriteFD < 0 {
			return fmt.Errorf("%w: debugger pipe descriptors must not be negative", ErrInvalid)
		}
		if c.Debugger.ReadFD == c.Debugger.WriteFD {
			return fmt.Errorf("%w: debugger read and write descriptors are both %d", ErrInvalid, c.Debugger.ReadFD)
		}
	}
	return nil
}

// BackendName is the configured backend, falling back to the build-time one.
func (c Config) BackendName() string {
	name := strings.ToLower(strings.TrimSpace(c.Backend))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(fabric.SelectedBackend))
	}
	return name
}

// BackendConfig returns the section matching the selected backend.
func (c Config) BackendConfig() any {
	switch c.BackendName() {
	case local.Name:
		return c.Local
	case tree.Name:
		return c.Tree
	default:
		return nil
	}
}

// FabricOptions builds the Init options for the sanitized args.
func (c Config) FabricOptions(args []string) fabric.Options {
	hostname := c.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return fabric.Options{
		Backend:           c.Backend,
		BackendConfig:     c.BackendConfig(),
		Args:              args,
		Hostname:          hostname,
		CollectiveTimeout: c.CollectiveTimeout,
	}
}
