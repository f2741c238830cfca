package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/api"
	"github.com/snarg/cratelink/internal/config"
	"github.com/snarg/cratelink/internal/crates"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/stream"
	"github.com/snarg/cratelink/internal/tunnel"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.SeratoRoot, "serato", "", "path to the _Serato_ directory")
	flag.StringVar(&overrides.MusicPath, "music", "", "music directory to index")
	flag.StringVar(&overrides.Port, "port", "", "HTTP listen port")
	flag.StringVar(&overrides.RelayURL, "relay", "", "relay WebSocket URL")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&overrides.ReadOnly, "read-only", false, "disable crate writes")
	flag.Parse()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("serato", cfg.SeratoRoot).Msg("cratelink starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Library index
	libLog := log.With().Str("component", "library").Logger()
	lib := library.NewManager(library.Options{
		SeratoRoot:    cfg.SeratoRoot,
		MusicRoots:    cfg.Roots(),
		StrictResolve: cfg.StrictResolve,
		Log:           libLog,
		OnProgress: func(p library.Progress) {
			libLog.Debug().
				Str("phase", string(p.Phase)).
				Int("resolved", p.Resolved).
				Int("unresolved", p.Unresolved).
				Msg(p.Message)
		},
	})
	go func() {
		if _, err := lib.ParseLibrary(ctx); err != nil {
			libLog.Error().Err(err).Msg("library indexing failed")
		}
	}()

	// Crate store with cache invalidation on external edits
	crateLog := log.With().Str("component", "crates").Logger()
	store := crates.NewStore(cfg.SeratoRoot, cfg.ReadOnly, lib, crateLog)
	go func() {
		if err := store.Watch(ctx); err != nil {
			crateLog.Debug().Err(err).Msg("crate watcher unavailable")
		}
	}()

	streamer := stream.NewStreamer(lib, log.With().Str("component", "stream").Logger())

	// Relay tunnel (optional)
	var relayClient *tunnel.Client
	deps := api.Deps{
		Library:        lib,
		Streamer:       streamer,
		Crates:         store,
		Version:        version,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	httpLog := log.With().Str("component", "http").Logger()
	if cfg.RelayURL != "" {
		deviceID, err := cfg.ResolveDeviceID()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to resolve device id")
		}
		log.Info().Str("device_id", deviceID).Str("relay", cfg.RelayURL).Msg("relay tunnel enabled")

		relayClient = tunnel.NewClient(tunnel.Options{
			RelayURL: cfg.RelayURL,
			DeviceID: deviceID,
			Streamer: streamer,
			Log:      log.With().Str("component", "tunnel").Logger(),
		})
		deps.Tunnel = relayClient
	}

	srv := api.NewServer(cfg.Addr(), deps, httpLog)

	if relayClient != nil {
		// The tunnel's http fallback serves the same routes as the server.
		relayClient.SetHandler(srv.Handler())
		go func() {
			if err := relayClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay tunnel stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("cratelink stopped")
}
