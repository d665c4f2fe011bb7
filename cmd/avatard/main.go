package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/avatarlink/internal/app"
	"github.com/ent0n29/avatarlink/internal/avatar"
	"github.com/ent0n29/avatarlink/internal/config"
	"github.com/ent0n29/avatarlink/internal/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		l := log.Base()
		l.Error().Err(err).Msg("config error")
		return 2
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "avatard"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("build failed")
		return 1
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen error")
			stop()
		}
	}()

	go built.Hub.Run(ctx, built.Events.Events())

	runDone := make(chan error, 1)
	go func() { runDone <- built.Client.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case <-built.Client.Done():
		logger.Info().
			Str("state", built.Client.State().String()).
			Bool("stop_requested", built.Client.StopRequested()).
			Msg("avatar session ended")
	}

	// Run returns once the service echoes the close frame or the grace
	// period lapses.
	built.Client.Stop()
	runErr := <-runDone
	if runErr != nil {
		logger.Warn().Err(runErr).Msg("avatar session finished with error")
	}
	code := exitCode(ctx.Err() != nil, built.Client.StopRequested(), built.Client.State(), runErr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info().Int64("dropped_stream_events", built.Events.Dropped()).Msg("shutdown complete")
	return code
}

// exitCode is 0 for a signal or a requested stop and 1 when the session
// failed or the service closed it.
func exitCode(signalled, stopRequested bool, state avatar.State, runErr error) int {
	if runErr != nil || state == avatar.StateFailed {
		return 1
	}
	if signalled || stopRequested {
		return 0
	}
	return 1
}
