package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/eigerco/kvbridge/internal/bridge"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/eigerco/kvbridge/pkg/remote"
)

// main serves the boundary protocol over QUIC.
// go run ./cmd/kvbridge-server -listen 127.0.0.1:7420
func main() {
	listen := flag.String("listen", "127.0.0.1:7420", "UDP address to accept QUIC connections on")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Write logs as JSON instead of console lines")
	flag.Parse()

	lvl, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	opts := log.Options{LogLevel: lvl, Type: log.ConsoleLogger}
	if *logJSON {
		opts.Type = log.JSONLogger
	}
	log.Init(opts)
	if err != nil {
		log.Root.Warn().Str("level", *logLevel).Msg("unknown log level, using info")
	}
	if flag.NArg() > 0 {
		log.Root.Fatal().Strs("args", flag.Args()).Msg("unexpected arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New()
	defer b.CloseAll()

	server, err := remote.NewServer(b, nil, *listen)
	if err != nil {
		log.Root.Fatal().Err(err).Msg("failed to create server")
	}
	if err := server.Start(); err != nil {
		log.Root.Fatal().Err(err).Msg("failed to start server")
	}

	<-ctx.Done()
	log.Root.Info().Msg("shutting down")
	if err := server.Stop(); err != nil {
		log.Root.Error().Err(err).Msg("error stopping server")
	}
}
