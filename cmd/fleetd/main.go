package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/fleetctl/internal/bootargs"
	"github.com/danmuck/fleetctl/internal/fabric"
	"github.com/danmuck/fleetctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()

	// Bootstrap options are stripped before anything else parses the vector.
	res, err := bootargs.SanitizeArgs(os.Args)
	if err != nil {
		log.Fatal().Err(err).Msg("fleetd: argument vector")
	}
	if err := res.ExportEnv(); err != nil {
		log.Fatal().Err(err).Msg("fleetd: export bootstrap environment")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, res.Args, os.Stdout); err != nil {
		log.Error().Str("code", fabric.Code(err)).Err(err).Msg("fleetd failed")
		cancel()
		os.Exit(1)
	}
}
