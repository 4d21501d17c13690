// Package driver runs the generation worker repeatedly behind a
// single-flight lock, pacing iterations with the rate limiter.
package driver

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"imagejobs/internal/ratelimit"
	"imagejobs/internal/worker"
)

// OutcomeAlreadyProcessing means another cycle held the lock; nothing ran.
const OutcomeAlreadyProcessing worker.Outcome = "already_processing"

// Runner performs one worker invocation.
type Runner interface {
	RunOnce(ctx context.Context) (worker.Result, error)
}

// Pacer reports how long the next generation call must wait.
type Pacer interface {
	WaitTime(ctx context.Context) (time.Duration, error)
}

// StopReason explains why DriveContinuous returned.
type StopReason string

const (
	StopMaxJobs           StopReason = "max_jobs"
	StopIdle              StopReason = "idle"
	StopAlreadyProcessing StopReason = "already_processing"
	StopDeferred          StopReason = "deferred"
	StopWaitCeiling       StopReason = "wait_exceeds_ceiling"
)

// Summary reports a DriveContinuous run.
type Summary struct {
	Cycles []worker.Result
	Reason StopReason
}

// Processed counts cycles that moved a job.
func (s Summary) Processed() int {
	n := 0
	for _, c := range s.Cycles {
		switch c.Outcome {
		case worker.OutcomeCompleted, worker.OutcomeFailed, worker.OutcomeRequeued:
			n++
		}
	}
	return n
}

type Config struct {
	LockTTL       time.Duration
	MaxJobsPerRun int
	// WaitCeiling is the longest pause DriveContinuous inserts between cycles.
	WaitCeiling time.Duration
}

type Driver struct {
	lock   Lock
	runner Runner
	pacer  Pacer
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// Option customizes a Driver.
type Option func(*Driver)

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Driver) { d.sleep = sleep }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// New builds a driver. pacer may be nil, in which case cycles run back to back.
func New(lock Lock, runner Runner, pacer Pacer, cfg Config, opts ...Option) *Driver {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MaxJobsPerRun <= 0 {
		cfg.MaxJobsPerRun = 5
	}
	if cfg.WaitCeiling <= 0 {
		cfg.WaitCeiling = 30 * time.Second
	}
	d := &Driver{
		lock:   lock,
		runner: runner,
		pacer:  pacer,
		cfg:    cfg,
		sleep:  ratelimit.Sleep,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DriveOnce runs one worker invocation unless another cycle holds the lock,
// in which case it returns OutcomeAlreadyProcessing without touching the store.
func (d *Driver) DriveOnce(ctx context.Context) (worker.Result, error) {
	token, err := d.lock.TryAcquire(ctx, d.cfg.LockTTL)
	if err != nil {
		return worker.Result{}, err
	}
	if token == "" {
		d.logger.Debug().Msg("driver: already processing")
		return worker.Result{Outcome: OutcomeAlreadyProcessing}, nil
	}
	defer func() {
		if err := d.lock.Release(context.WithoutCancel(ctx), token); err != nil {
			d.logger.Warn().Err(err).Msg("driver: release lock failed, it will expire")
		}
	}()
	return d.runner.RunOnce(ctx)
}

// DriveContinuous loops DriveOnce for up to maxJobs cycles (the configured
// default when maxJobs <= 0). It stops early when the queue is empty, another
// cycle holds the lock, the worker deferred, or the limiter demands a pause
// longer than the ceiling; remaining work waits for the next trigger.
func (d *Driver) DriveContinuous(ctx context.Context, maxJobs int) (Summary, error) {
	if maxJobs <= 0 {
		maxJobs = d.cfg.MaxJobsPerRun
	}
	var summary Summary
	for i := 0; i < maxJobs; i++ {
		if i > 0 && d.pacer != nil {
			wait, err := d.pacer.WaitTime(ctx)
			if err != nil {
				return summary, err
			}
			if wait > d.cfg.WaitCeiling {
				d.logger.Info().Dur("wait", wait).Msg("driver: wait exceeds ceiling, deferring")
				summary.Reason = StopWaitCeiling
				return summary, nil
			}
			if err := d.sleep(ctx, wait); err != nil {
				return summary, err
			}
		}

		res, err := d.DriveOnce(ctx)
		if err != nil {
			return summary, err
		}
		summary.Cycles = append(summary.Cycles, res)

		switch res.Outcome {
		case worker.OutcomeIdle:
			summary.Reason = StopIdle
			return summary, nil
		case OutcomeAlreadyProcessing:
			summary.Reason = StopAlreadyProcessing
			return summary, nil
		case worker.OutcomeDeferred:
			summary.Reason = StopDeferred
			return summary, nil
		}
	}
	summary.Reason = StopMaxJobs
	d.logger.Info().Int("cycles", len(summary.Cycles)).Int("processed", summary.Processed()).Msg("driver: run finished")
	return summary, nil
}
