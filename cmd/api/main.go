package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagejobs/internal/asyncqueue"
	"imagejobs/internal/bootstrap"
	"imagejobs/internal/http/handlers"
	httpapi "imagejobs/internal/http/httpapi"
	"imagejobs/internal/infra"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Enqueues kick the driver so a lone api process still makes progress;
	// cmd/worker remains the reliable trigger.
	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{Kick: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: bootstrap failed")
	}
	defer rt.Close()

	app := handlers.NewApp(rt.Service, rt.Queues, infra.Component(logger, "http"))
	app.AllowedOrigins = cfg.CORSAllowedOrigins
	app.Backend = cfg.StoreBackend

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:             infra.Component(logger, "http"),
		RateLimitPerMin:    cfg.RateLimitPerMin,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		StaticDir:          rt.Blobs.BasePath(),
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	// Running tasks see ctx cancelled and release their jobs; queued kicks are dropped.
	rt.Queues.Get(asyncqueue.QueueImageGeneration).Clear()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := rt.Queues.Drain(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("api: queues did not drain")
	}
	logger.Info().Msg("server stopped")
}
