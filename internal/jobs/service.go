// Package jobs is the application facade over the job store, the driver and
// the async queues.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"imagejobs/internal/asyncqueue"
	"imagejobs/internal/domain"
	"imagejobs/internal/driver"
	"imagejobs/internal/worker"
)

// ErrNoDriver is returned by drive calls on a service built without one.
var ErrNoDriver = errors.New("jobs: driver not configured")

// Driver advances the pending queue.
type Driver interface {
	DriveOnce(ctx context.Context) (worker.Result, error)
	DriveContinuous(ctx context.Context, maxJobs int) (driver.Summary, error)
}

type Service struct {
	store  domain.JobStore
	driver Driver
	logger zerolog.Logger
	now    func() time.Time

	kickQueue   *asyncqueue.Queue
	kickMaxJobs int

	blobs       BlobReader
	exportQueue *asyncqueue.Queue
}

// Option customizes a Service.
type Option func(*Service)

func WithDriver(d Driver) Option {
	return func(s *Service) { s.driver = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithKicker makes EnqueueJob submit a DriveContinuous run to q so new work
// starts without waiting for the external trigger.
func WithKicker(q *asyncqueue.Queue, maxJobs int) Option {
	return func(s *Service) {
		s.kickQueue = q
		s.kickMaxJobs = maxJobs
	}
}

func NewService(store domain.JobStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueJob creates a pending job.
func (s *Service) EnqueueJob(ctx context.Context, scopeID, subjectID, description, style string, priority int) (string, error) {
	id, err := s.store.Enqueue(ctx, domain.JobInput{
		ScopeID:     scopeID,
		SubjectID:   subjectID,
		Description: description,
		Style:       style,
		Priority:    priority,
	})
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("job_id", id).Str("scope_id", scopeID).Int("priority", priority).Msg("jobs: enqueued")
	s.kick(priority)
	return id, nil
}

func (s *Service) kick(priority int) {
	if s.kickQueue == nil || s.driver == nil {
		return
	}
	// One queued kick is enough; the driver loops until idle.
	if s.kickQueue.Size() > 0 {
		return
	}
	s.kickQueue.Add(func(ctx context.Context) (any, error) {
		return s.driver.DriveContinuous(ctx, s.kickMaxJobs)
	}, priority)
}

func (s *Service) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.Get(ctx, id)
}

// JobsForScope lists a scope's jobs in creation order.
func (s *Service) JobsForScope(ctx context.Context, scopeID string) ([]domain.Job, error) {
	return s.store.Query(ctx, scopeID)
}

// SubscribeScope streams the scope's job list until the returned func is called.
func (s *Service) SubscribeScope(ctx context.Context, scopeID string, onChange func([]domain.Job)) (func(), error) {
	return s.store.StreamUpdates(ctx, scopeID, onChange)
}

// RetryJob puts a failed job back in the queue with a fresh attempt budget.
func (s *Service) RetryJob(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusFailed {
		return fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", domain.ErrConflict, id, job.Status)
	}

	zero, empty := 0, ""
	err = s.store.Transition(ctx, id, domain.JobStatusPending, domain.JobUpdate{
		ResetLifecycle: true,
		RetryCount:     &zero,
		Error:          &empty,
		HeroIndex:      &zero,
		From:           []domain.JobStatus{domain.JobStatusFailed},
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("job_id", id).
		Int("previous_retry_count", job.RetryCount).
		Str("previous_error", job.Error).
		Msg("jobs: retry requested")
	s.kick(job.Priority)
	return nil
}

// CancelPendingForScope fails every pending job in the scope. Processing jobs
// are left alone, as are jobs a worker claims in the meantime.
func (s *Service) CancelPendingForScope(ctx context.Context, scopeID string) (int, error) {
	jobs, err := s.store.Query(ctx, scopeID)
	if err != nil {
		return 0, err
	}
	reason := domain.CancelledReason
	cancelled := 0
	for _, job := range jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		now := s.now()
		err := s.store.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{
			Error:       &reason,
			CompletedAt: &now,
			From:        []domain.JobStatus{domain.JobStatusPending},
		})
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
			s.logger.Debug().Str("job_id", job.ID).Msg("jobs: cancel skipped, job moved on")
		default:
			return cancelled, err
		}
	}
	s.logger.Info().Str("scope_id", scopeID).Int("cancelled", cancelled).Msg("jobs: scope cancelled")
	return cancelled, nil
}

// SetHero selects which image of a completed job is representative.
func (s *Service) SetHero(ctx context.Context, id string, index int) error {
	hs, ok := s.store.(domain.HeroSelector)
	if !ok {
		return fmt.Errorf("%w: store cannot select hero images", domain.ErrStore)
	}
	return hs.SetHero(ctx, id, index)
}

// PurgeTerminal deletes completed and failed jobs finished before olderThan.
func (s *Service) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	hk, ok := s.store.(domain.JobHousekeeper)
	if !ok {
		return 0, fmt.Errorf("%w: store cannot purge jobs", domain.ErrStore)
	}
	n, err := hk.PurgeTerminal(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("purged", n).Time("older_than", olderThan).Msg("jobs: purged terminal jobs")
	return n, nil
}

// ReapStale fails processing jobs started before startedBefore so a crashed
// worker cannot strand them. They can then be retried like any failed job.
func (s *Service) ReapStale(ctx context.Context, startedBefore time.Time) (int, error) {
	hk, ok := s.store.(domain.JobHousekeeper)
	if !ok {
		return 0, fmt.Errorf("%w: store cannot list stale jobs", domain.ErrStore)
	}
	stale, err := hk.StaleProcessing(ctx, startedBefore)
	if err != nil {
		return 0, err
	}
	reason := domain.AbandonedReason
	reaped := 0
	for _, job := range stale {
		now := s.now()
		err := s.store.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{
			Error:       &reason,
			CompletedAt: &now,
			From:        []domain.JobStatus{domain.JobStatusProcessing},
		})
		switch {
		case err == nil:
			reaped++
			s.logger.Warn().Str("job_id", job.ID).Time("started_at", *job.StartedAt).Msg("jobs: reaped stale job")
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

func (s *Service) DriveOnce(ctx context.Context) (worker.Result, error) {
	if s.driver == nil {
		return worker.Result{}, ErrNoDriver
	}
	return s.driver.DriveOnce(ctx)
}

func (s *Service) DriveContinuous(ctx context.Context, maxJobs int) (driver.Summary, error) {
	if s.driver == nil {
		return driver.Summary{}, ErrNoDriver
	}
	return s.driver.DriveContinuous(ctx, maxJobs)
}
