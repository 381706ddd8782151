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

	router "github.com/dkeye/circlechat/internal/adapters/http"
	relay "github.com/dkeye/circlechat/internal/adapters/signal"
	"github.com/dkeye/circlechat/internal/app"
	"github.com/dkeye/circlechat/internal/config"
	"github.com/dkeye/circlechat/internal/observe"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	shutdownMetrics, err := observe.InitProvider()
	if err != nil {
		log.Error().Err(err).Msg("metrics provider")
		shutdownMetrics = func(context.Context) error { return nil }
	}

	rooms := app.NewRoomManager()
	hub := relay.NewSignalWSController(relay.Options{
		Rooms:      rooms,
		Policy:     app.SimplePolicy{},
		Limiter:    relay.NewRoomRateLimiter(cfg.Server.CallStartRate, cfg.Server.CallStartSpan),
		Metrics:    observe.DefaultMetrics(),
		SendBuffer: cfg.Server.SendBuffer,
		PingPeriod: cfg.Server.PingPeriod,
		ReadLimit:  cfg.Server.ReadLimit,
	})

	r := router.SetupRouter(ctx, &cfg.Server, rooms, hub)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("CircleChat relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return shutdownMetrics(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
