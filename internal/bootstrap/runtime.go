// Package bootstrap assembles the job pipeline from configuration. The api,
// worker and jobctl binaries share it.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"imagejobs/internal/adapter/repo"
	"imagejobs/internal/asyncqueue"
	"imagejobs/internal/breaker"
	"imagejobs/internal/domain"
	"imagejobs/internal/driver"
	"imagejobs/internal/infra"
	"imagejobs/internal/infra/credentials"
	"imagejobs/internal/jobs"
	"imagejobs/internal/memstore"
	"imagejobs/internal/prompt"
	"imagejobs/internal/providers/image"
	"imagejobs/internal/providers/qwen"
	"imagejobs/internal/ratelimit"
	"imagejobs/internal/storage"
	"imagejobs/internal/worker"
)

const lockName = "image-generation"

// Runtime holds every long-lived component of one process.
type Runtime struct {
	Config  *infra.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Store   domain.JobStore
	Blobs   *storage.FileStore
	Limiter *ratelimit.Limiter
	Breaker *breaker.Breaker
	Worker  *worker.Worker
	Driver  *driver.Driver
	Queues  *asyncqueue.Registry
	Service *jobs.Service
}

// Options tunes what Build wires.
type Options struct {
	// Kick makes enqueues start a driver run on the image-generation queue.
	Kick bool
}

// Build connects to the configured backends and wires the pipeline. Close
// releases what it opened.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case infra.StoreBackendPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.Pool = pool
		runner := infra.NewSQLRunner(pool, infra.Component(logger, "sql"))
		rt.Store = repo.NewJobStore(runner, pool, infra.Component(logger, "jobstore"))
	default:
		rt.Store = memstore.New()
		logger.Warn().Msg("bootstrap: using in-memory job store, jobs are lost on restart")
	}

	rc, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Redis = rc

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	blobs, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("configure storage: %w", err)
	}
	rt.Blobs = blobs

	rt.Limiter, rt.Breaker = rt.pacing()
	gen := rt.generator(ctx)

	rt.Worker = worker.New(worker.Deps{
		Store:     rt.Store,
		Generator: gen,
		Blobs:     blobs,
		Limiter:   rt.Limiter,
		Breaker:   rt.Breaker,
		Prompts:   prompt.NewCatalog(nil),
		Logger:    infra.Component(logger, "worker"),
	}, worker.Config{
		Variants:       cfg.ImageVariants,
		AspectRatio:    cfg.ImageAspectRatio,
		NegativePrompt: prompt.DefaultNegativePrompt,
		MaxRetries:     cfg.JobMaxRetries,
		MaxWait:        cfg.GenMaxWait,
	})

	var lock driver.Lock = driver.NewMemoryLock(nil)
	if rc != nil {
		lock = driver.NewRedisLock(rc, lockName)
	}
	rt.Driver = driver.New(lock, rt.Worker, rt.Limiter, driver.Config{
		LockTTL:       cfg.LockTTL,
		MaxJobsPerRun: cfg.MaxJobsPerRun,
		WaitCeiling:   cfg.GenMaxWait,
	}, driver.WithLogger(infra.Component(logger, "driver")))

	rt.Queues = asyncqueue.NewRegistry(ctx, asyncqueue.ConfigsFrom(cfg), infra.Component(logger, "asyncqueue"))

	svcOpts := []jobs.Option{
		jobs.WithDriver(rt.Driver),
		jobs.WithLogger(infra.Component(logger, "jobs")),
		jobs.WithArchiver(blobs, rt.Queues.Get(asyncqueue.QueueExport)),
	}
	if opts.Kick {
		svcOpts = append(svcOpts, jobs.WithKicker(rt.Queues.Get(asyncqueue.QueueImageGeneration), cfg.MaxJobsPerRun))
	}
	rt.Service = jobs.NewService(rt.Store, svcOpts...)
	return rt, nil
}

// pacing builds the limiter and breaker. With Redis the limiter state is
// shared by every process; otherwise it is per process.
func (rt *Runtime) pacing() (*ratelimit.Limiter, *breaker.Breaker) {
	cfg := rt.Config
	var (
		window  ratelimit.WindowPolicy
		spacing ratelimit.SpacingPolicy
	)
	if rt.Redis != nil {
		window = ratelimit.NewRedisWindow(rt.Redis, lockName, cfg.GenWindowLimit, cfg.GenWindow)
		spacing = ratelimit.NewRedisSpacing(rt.Redis, lockName, cfg.GenMinSpacing)
	} else {
		rt.Logger.Warn().Msg("bootstrap: REDIS_URL unset, pacing and processing lock are per process")
		window = ratelimit.NewWindow(cfg.GenWindowLimit, cfg.GenWindow, nil)
		spacing = ratelimit.NewSpacing(cfg.GenMinSpacing, nil)
	}
	limiter := ratelimit.NewLimiter(window, spacing)
	br := breaker.New("qwen-image", cfg.BreakerThreshold, cfg.BreakerReset,
		breaker.WithLogger(infra.Component(rt.Logger, "breaker")))
	return limiter, br
}

// generator returns the Qwen generator, falling back to synthetic images
// when no API key is configured or stored.
func (rt *Runtime) generator(ctx context.Context) image.Generator {
	cfg := rt.Config
	var store *credentials.Store
	if rt.Pool != nil {
		store = credentials.NewStore(infra.NewSQLRunner(rt.Pool, infra.Component(rt.Logger, "sql")))
	}
	apiKey, err := credentials.ResolveQwenAPIKey(ctx, cfg.QwenAPIKey, store)
	if err != nil {
		rt.Logger.Warn().Err(err).Msg("bootstrap: failed to load qwen api key from store")
	}

	clientLogger := infra.Component(rt.Logger, "qwen")
	client := qwen.NewClient(qwen.Options{
		APIKey:     apiKey,
		BaseURL:    cfg.QwenBaseURL,
		Model:      cfg.QwenModel,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
		Logger:     &clientLogger,
	})
	synthetic := image.NewSynthetic(1024, 0)
	if apiKey == "" {
		rt.Logger.Warn().Str("model", cfg.QwenModel).Msg("bootstrap: qwen api key missing, using synthetic image generation")
	}
	return image.NewQwenGenerator(client, synthetic)
}

// Close releases connections opened by Build.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
