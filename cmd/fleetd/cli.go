package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/danmuck/fleetctl/internal/config"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/logging"
	"github.com/rs/zerolog"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// sanitizedArgs is the argument vector after bootstrap options were removed.
type sanitizedArgs []string

// rootCmd is the fleetd command line.
type rootCmd struct {
	Config  string `short:"c" help:"Path to the TOML config file (default: ${config_path} when present)." placeholder:"PATH" type:"path"`
	Backend string `short:"b" help:"Override the fabric backend (${backends})." placeholder:"NAME"`
	Debug   bool   `short:"d" help:"Enable debug output."`

	Run      runCmd      `cmd:"" default:"withargs" help:"Join the fleet, exchange host info and shut down."`
	Template templateCmd `cmd:"" help:"Write a config template."`
	Validate validateCmd `cmd:"" help:"Validate a config file."`
	Version  versionCmd  `cmd:"" help:"Show version information."`
}

// load resolves the config file plus the --backend override. Without
// --config the per-user file is used when one exists.
func (r *rootCmd) load() (config.Config, error) {
	path := r.Config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %w", fabric.ErrConfiguration, err)
	}
	if strings.TrimSpace(r.Backend) != "" {
		cfg.Backend = strings.TrimSpace(r.Backend)
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("%w: %w", fabric.ErrConfiguration, err)
		}
	}
	return cfg, nil
}

// execute parses args (argv[0] included) and runs the selected command.
func execute(ctx context.Context, args []string, stdout io.Writer) error {
	var root rootCmd
	parser, err := kong.New(&root,
		kong.Name("fleetd"),
		kong.Description("Back-end daemon of a tool fleet.\n\nJoins the communication fabric, exchanges host info with the master daemon and runs the debugger shutdown handshake."),
		kong.UsageOnError(),
		kong.Writers(stdout, stdout),
		kong.Vars{
			"backends":    strings.Join(fabric.Backends(), ", "),
			"config_path": config.UserPath(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	)
	if err != nil {
		return err
	}

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	kctx, err := parser.Parse(rest)
	if err != nil {
		return err
	}
	if root.Debug {
		logging.SetLevel(zerolog.DebugLevel)
	}
	return kctx.Run(&root, sanitizedArgs(args))
}

// versionCmd prints build information.
type versionCmd struct{}

func (c *versionCmd) Run(stdout io.Writer) error {
	selected := fabric.SelectedBackend
	if selected == "" {
		selected = "none"
	}
	_, err := fmt.Fprintf(stdout, "fleetd %s (backend=%s, compiled=%s)\n", version, selected, strings.Join(fabric.Backends(), ","))
	return err
}

// templateCmd writes a starter config.
type templateCmd struct {
	Kind   string `help:"Config kind: local|tree." enum:"local,tree" default:"local"`
	Output string `short:"o" help:"Output path." default:"fleetd.toml" type:"path"`
	Force  bool   `help:"Overwrite an existing file."`
}

func (c *templateCmd) Run(stdout io.Writer) error {
	if err := config.WriteTemplate(c.Output, c.Kind, c.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stdout, "wrote %s config template to %s\n", c.Kind, c.Output)
	return err
}

// validateCmd loads the config and reports problems.
type validateCmd struct{}

func (c *validateCmd) Run(root *rootCmd, stdout io.Writer) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "config ok (backend=%s)\n", cfg.BackendName())
	return err
}
