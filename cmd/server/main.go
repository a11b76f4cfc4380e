package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/swarm-relay/internal/adapters/http"
	"github.com/dkeye/swarm-relay/internal/adapters/swarm"
	"github.com/dkeye/swarm-relay/internal/app"
	"github.com/dkeye/swarm-relay/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		log.Warn().Err(err).Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	} else {
		zerolog.SetGlobalLevel(lvl)
	}

	sw, err := swarm.New(ctx, swarm.Config{
		ListenAddrs:    cfg.Swarm.ListenAddrs,
		BootstrapPeers: cfg.Swarm.BootstrapPeers,
		LookupInterval: cfg.Swarm.LookupInterval,
		DialTimeout:    cfg.Swarm.DialTimeout,
		MaxMessageSize: cfg.Swarm.MaxMessageSize,
		SendBuffer:     cfg.Swarm.SendBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start swarm")
	}

	relay := app.NewRelay(ctx, sw, app.Options{
		Policy:      app.SimplePolicy{SkipSender: !cfg.EchoToSender},
		JoinLimiter: app.NewJoinLimiter(cfg.JoinLimit, cfg.JoinInterval),
	})
	sw.Start(relay)

	r := router.SetupRouter(ctx, cfg, relay)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("relay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		relay.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
