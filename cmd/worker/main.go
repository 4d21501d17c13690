package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagejobs/internal/bootstrap"
	"imagejobs/internal/driver"
	"imagejobs/internal/infra"
)

// continuousDriver is the part of the runtime the loop needs.
type continuousDriver interface {
	DriveContinuous(ctx context.Context, maxJobs int) (driver.Summary, error)
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer rt.Close()

	if rt.Redis == nil {
		logger.Warn().Msg("worker: REDIS_URL unset, lock and rate limits are per process")
	}
	logger.Info().
		Dur("interval", cfg.DriveInterval).
		Int("max_jobs", cfg.MaxJobsPerRun).
		Str("store", cfg.StoreBackend).
		Msg("worker: starting")

	if err := run(ctx, rt.Service, cfg.DriveInterval, cfg.MaxJobsPerRun, infra.Component(logger, "worker")); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// run drives the queue immediately and then on every tick until ctx ends.
// A run in progress when ctx is cancelled releases its job back to pending.
func run(ctx context.Context, d continuousDriver, interval time.Duration, maxJobs int, logger infra.Logger) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := d.DriveContinuous(ctx, maxJobs)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			logger.Error().Err(err).Msg("worker: drive failed")
		case summary.Processed() > 0:
			logger.Info().Int("processed", summary.Processed()).Str("stop", string(summary.Reason)).Msg("worker: drive finished")
		default:
			logger.Debug().Str("stop", string(summary.Reason)).Msg("worker: nothing to do")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
