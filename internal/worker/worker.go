// Package worker services one pending image generation job per invocation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"imagejobs/internal/breaker"
	"imagejobs/internal/domain"
	"imagejobs/internal/prompt"
	"imagejobs/internal/providers/image"
	"imagejobs/internal/ratelimit"
	"imagejobs/internal/storage"
)

// Outcome summarizes what one invocation did.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeCompleted Outcome = "completed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeFailed    Outcome = "failed"
	// OutcomeContended means another worker claimed the job first.
	OutcomeContended Outcome = "contended"
	// OutcomeDeferred means the limiter wait exceeded the ceiling and the
	// job went back to pending untouched.
	OutcomeDeferred Outcome = "deferred"
)

// Every write after the claim expects the job to still be processing.
var claimed = []domain.JobStatus{domain.JobStatusProcessing}

// Result reports a single invocation.
type Result struct {
	Outcome Outcome
	JobID   string
	// Err is the generation or upload failure recorded on the job.
	Err error
	// Wait is the limiter wait that caused a deferral.
	Wait time.Duration
}

// BlobStore persists generated variants.
type BlobStore interface {
	Put(ctx context.Context, data []byte, key, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// PromptBuilder renders the full prompt for a job.
type PromptBuilder interface {
	Build(description, style string) string
}

type Config struct {
	Variants       int
	AspectRatio    string
	NegativePrompt string
	MaxRetries     int
	// MaxWait caps how long the worker waits on the rate limiter.
	MaxWait time.Duration
	// UploadAttempts bounds retries per variant upload.
	UploadAttempts int
}

type Deps struct {
	Store     domain.JobStore
	Generator image.Generator
	Blobs     BlobStore
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Prompts   PromptBuilder
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Worker struct {
	store   domain.JobStore
	gen     image.Generator
	blobs   BlobStore
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	prompts PromptBuilder
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	uploadBackOff func() backoff.BackOff
}

func New(deps Deps, cfg Config) *Worker {
	if cfg.Variants <= 0 {
		cfg.Variants = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = 3
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts = prompt.NewCatalog(nil)
	}
	w := &Worker{
		store:   deps.Store,
		gen:     deps.Generator,
		blobs:   deps.Blobs,
		limiter: deps.Limiter,
		breaker: deps.Breaker,
		prompts: prompts,
		cfg:     cfg,
		logger:  deps.Logger,
		now:     now,
	}
	w.uploadBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, uint64(w.cfg.UploadAttempts-1))
	}
	return w
}

// ShouldRetry reports whether a generation failure re-queues the job. Only
// throttling reported by the service qualifies; a local open circuit does not.
func ShouldRetry(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) && !errors.Is(err, breaker.ErrCircuitOpen)
}

// RunOnce claims the next pending job and drives it to its next state.
// Job-level failures are reported in Result; the returned error is reserved
// for store failures and cancellation.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	job, err := w.store.NextPending(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("next pending: %w", err)
	}
	if job == nil {
		return Result{Outcome: OutcomeIdle}, nil
	}

	log := w.logger.With().Str("job_id", job.ID).Str("scope_id", job.ScopeID).Logger()

	started := w.now().UTC()
	err = w.store.Transition(ctx, job.ID, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
		log.Debug().Err(err).Msg("worker: job claimed elsewhere")
		return Result{Outcome: OutcomeContended, JobID: job.ID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	log.Info().Int("priority", job.Priority).Int("retry_count", job.RetryCount).Msg("worker: picked job")

	fullPrompt := w.prompts.Build(job.Description, job.Style)

	if w.limiter != nil {
		waited, err := w.limiter.Acquire(ctx, w.cfg.MaxWait)
		if err != nil {
			if relErr := w.release(ctx, job.ID); relErr != nil {
				return Result{}, relErr
			}
			var tooLong *ratelimit.WaitError
			if errors.As(err, &tooLong) {
				wait := tooLong.Wait
				log.Info().Dur("wait", wait).Msg("worker: rate limit wait too long, deferring")
				return Result{Outcome: OutcomeDeferred, JobID: job.ID, Wait: wait}, nil
			}
			return Result{}, fmt.Errorf("rate limiter: %w", err)
		}
		if waited > 0 {
			log.Debug().Dur("waited", waited).Msg("worker: paced by rate limiter")
		}
	}

	variants, genErr := breaker.Do(ctx, w.breaker, func(ctx context.Context) ([]image.Variant, error) {
		return w.gen.Generate(ctx, image.GenerateRequest{
			Prompt:         fullPrompt,
			NegativePrompt: w.cfg.NegativePrompt,
			Variants:       w.cfg.Variants,
			AspectRatio:    w.cfg.AspectRatio,
			SeedKey:        job.ID,
		})
	})
	if genErr == nil && len(variants) == 0 {
		genErr = fmt.Errorf("%w: service returned no images", domain.ErrService)
	}
	if genErr != nil {
		if ctx.Err() != nil {
			return w.abandon(ctx, job.ID)
		}
		return w.fail(ctx, log, job, genErr)
	}

	urls, err := w.upload(ctx, job.ID, variants)
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(ctx, job.ID)
		}
		return w.fail(ctx, log, job, fmt.Errorf("persist images: %w", err))
	}

	completed := w.now().UTC()
	hero := 0
	noError := ""
	err = w.store.Transition(context.WithoutCancel(ctx), job.ID, domain.JobStatusCompleted, domain.JobUpdate{
		CompletedAt: &completed,
		ImageURLs:   urls,
		HeroIndex:   &hero,
		FullPrompt:  &fullPrompt,
		Error:       &noError,
		From:        claimed,
	})
	if err != nil {
		return Result{}, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	log.Info().Int("images", len(urls)).Dur("took", completed.Sub(started)).Msg("worker: job completed")
	return Result{Outcome: OutcomeCompleted, JobID: job.ID}, nil
}

// release hands a claimed job back to the queue without counting an attempt.
func (w *Worker) release(ctx context.Context, jobID string) error {
	err := w.store.Transition(context.WithoutCancel(ctx), jobID, domain.JobStatusPending, domain.JobUpdate{
		ResetLifecycle: true,
		From:           claimed,
	})
	if err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return nil
}

// abandon returns a job interrupted by shutdown to the queue.
func (w *Worker) abandon(ctx context.Context, jobID string) (Result, error) {
	if err := w.release(ctx, jobID); err != nil {
		return Result{}, err
	}
	return Result{}, ctx.Err()
}

func (w *Worker) fail(ctx context.Context, log zerolog.Logger, job *domain.Job, cause error) (Result, error) {
	retries := job.RetryCount + 1
	msg := cause.Error()
	bookkeeping := context.WithoutCancel(ctx)

	if ShouldRetry(cause) && retries < w.cfg.MaxRetries {
		err := w.store.Transition(bookkeeping, job.ID, domain.JobStatusPending, domain.JobUpdate{
			Error:      &msg,
			RetryCount: &retries,
			From:       claimed,
		})
		if err != nil {
			return Result{}, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		log.Warn().Err(cause).Int("retry_count", retries).Msg("worker: rate limited, job requeued")
		return Result{Outcome: OutcomeRequeued, JobID: job.ID, Err: cause}, nil
	}

	completed := w.now().UTC()
	err := w.store.Transition(bookkeeping, job.ID, domain.JobStatusFailed, domain.JobUpdate{
		Error:       &msg,
		RetryCount:  &retries,
		CompletedAt: &completed,
		From:        claimed,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	log.Error().Err(cause).Int("retry_count", retries).Msg("worker: job failed")
	return Result{Outcome: OutcomeFailed, JobID: job.ID, Err: cause}, nil
}

// upload stores every variant in parallel. On any failure the variants that
// did land are removed.
func (w *Worker) upload(ctx context.Context, jobID string, variants []image.Variant) ([]string, error) {
	urls := make([]string, len(variants))
	keys := make([]string, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		i, v := i, v
		keys[i] = StorageKey(jobID, v.MIME, i)
		g.Go(func() error {
			op := func() (string, error) {
				return w.blobs.Put(gctx, v.Data, keys[i], v.MIME)
			}
			uri, err := backoff.RetryWithData(op, backoff.WithContext(w.uploadBackOff(), gctx))
			if err != nil {
				return fmt.Errorf("variant %d: %w", i, err)
			}
			urls[i] = uri
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		cleanup := context.WithoutCancel(ctx)
		for i, uri := range urls {
			if uri == "" {
				continue
			}
			if delErr := w.blobs.Delete(cleanup, keys[i]); delErr != nil {
				w.logger.Warn().Err(delErr).Str("job_id", jobID).Str("key", keys[i]).Msg("worker: cleanup blob failed")
			}
		}
		return nil, err
	}
	return urls, nil
}

// StorageKey is the blob path of one variant.
func StorageKey(jobID, mime string, index int) string {
	return fmt.Sprintf("generated/images/%s/image-%02d%s", jobID, index+1, storage.ExtensionForMIME(mime))
}
