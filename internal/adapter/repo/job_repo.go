package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"imagejobs/internal/domain"
	"imagejobs/internal/infra"
	"imagejobs/internal/sqlinline"
)

// JobStorePG implements domain.JobStore on PostgreSQL. Status changes are
// guarded in SQL so concurrent workers observe ErrConflict instead of
// overwriting each other.
type JobStorePG struct {
	exec   infra.SQLExecutor
	pool   *pgxpool.Pool
	logger zerolog.Logger
	newID  func() string
}

// NewJobStore creates a job store. pool may be nil when live streaming is not
// needed; StreamUpdates then fails with ErrStore.
func NewJobStore(exec infra.SQLExecutor, pool *pgxpool.Pool, logger zerolog.Logger) *JobStorePG {
	return &JobStorePG{
		exec:   exec,
		pool:   pool,
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Enqueue inserts a pending job.
func (r *JobStorePG) Enqueue(ctx context.Context, in domain.JobInput) (string, error) {
	in, err := in.Normalize()
	if err != nil {
		return "", err
	}
	var id string
	err = r.exec.QueryRow(ctx, sqlinline.QEnqueueJob,
		r.newID(),
		in.ScopeID,
		in.SubjectID,
		in.Description,
		in.Style,
		in.Priority,
	).Scan(&id)
	if err != nil {
		return "", storeErr("enqueue job", err)
	}
	return id, nil
}

// Get fetches a job by id.
func (r *JobStorePG) Get(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(r.exec.QueryRow(ctx, sqlinline.QSelectJobByID, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, storeErr("get job", err)
	}
	return job, nil
}

// NextPending returns the head of the pending queue or nil when it is empty.
// It does not claim the job.
func (r *JobStorePG) NextPending(ctx context.Context) (*domain.Job, error) {
	job, err := scanJob(r.exec.QueryRow(ctx, sqlinline.QSelectNextPendingJob))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, nil
		}
		return nil, storeErr("next pending job", err)
	}
	return job, nil
}

// Transition applies a guarded status change.
func (r *JobStorePG) Transition(ctx context.Context, id string, to domain.JobStatus, update domain.JobUpdate) error {
	if err := update.Validate(to); err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}

	from := update.Sources(to)
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	var urls []string
	if to == domain.JobStatusCompleted {
		urls = update.ImageURLs
	}

	var updated string
	err := r.exec.QueryRow(ctx, sqlinline.QTransitionJob,
		id,
		string(to),
		update.ResetLifecycle,
		update.StartedAt,
		update.CompletedAt,
		urls,
		update.HeroIndex,
		update.FullPrompt,
		update.Error,
		update.RetryCount,
		allowed,
	).Scan(&updated)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return storeErr("transition job", err)
	}

	var current string
	err = r.exec.QueryRow(ctx, sqlinline.QSelectJobStatus, id).Scan(&current)
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrNotFound
		}
		return storeErr("transition job status", err)
	}
	return fmt.Errorf("%w: job %s is %s, cannot move to %s", domain.ErrConflict, id, current, to)
}

// Query lists a scope's jobs by creation order.
func (r *JobStorePG) Query(ctx context.Context, scopeID string) ([]domain.Job, error) {
	rows, err := r.exec.Query(ctx, sqlinline.QSelectJobsByScope, scopeID)
	if err != nil {
		return nil, storeErr("query jobs", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate jobs", err)
	}
	return jobs, nil
}

// SetHero changes which image of a completed job is representative.
func (r *JobStorePG) SetHero(ctx context.Context, id string, index int) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrNotFound
	}
	var updated string
	err := r.exec.QueryRow(ctx, sqlinline.QSetHeroIndex, id, index).Scan(&updated)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return storeErr("set hero", err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("%w: hero index %d not applicable to job %s", domain.ErrInvalidInput, index, id)
}

// PurgeTerminal removes completed and failed jobs that finished before olderThan.
func (r *JobStorePG) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.exec.Exec(ctx, sqlinline.QPurgeTerminalJobs, olderThan)
	if err != nil {
		return 0, storeErr("purge jobs", err)
	}
	return tag.RowsAffected(), nil
}

// StaleProcessing lists processing jobs started before startedBefore.
func (r *JobStorePG) StaleProcessing(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	rows, err := r.exec.Query(ctx, sqlinline.QSelectStaleProcessingJobs, startedBefore)
	if err != nil {
		return nil, storeErr("stale jobs", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate jobs", err)
	}
	return jobs, nil
}

type jobEvent struct {
	JobID   string `json:"job_id"`
	ScopeID string `json:"scope_id"`
	Status  string `json:"status"`
}

// StreamUpdates delivers the scope's job list immediately and again after
// every notification that touches the scope. Each subscription holds one
// pooled connection for LISTEN.
func (r *JobStorePG) StreamUpdates(ctx context.Context, scopeID string, onChange func([]domain.Job)) (func(), error) {
	if r.pool == nil {
		return nil, fmt.Errorf("%w: streaming requires a connection pool", domain.ErrStore)
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, storeErr("acquire listen connection", err)
	}
	if _, err := conn.Exec(ctx, sqlinline.ListenJobEvents); err != nil {
		conn.Release()
		return nil, storeErr("listen", err)
	}

	jobs, err := r.Query(ctx, scopeID)
	if err != nil {
		conn.Release()
		return nil, err
	}
	onChange(jobs)

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	log := r.logger.With().Str("scope_id", scopeID).Logger()

	go func() {
		defer close(done)
		defer func() {
			// The connection still holds LISTEN state; destroy rather than return it.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()
		for {
			n, err := conn.Conn().WaitForNotification(streamCtx)
			if err != nil {
				if streamCtx.Err() == nil {
					log.Error().Err(err).Msg("job stream: wait for notification")
				}
				return
			}
			var ev jobEvent
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("payload", n.Payload).Msg("job stream: bad payload")
				continue
			}
			if ev.ScopeID != scopeID {
				continue
			}
			jobs, err := r.Query(streamCtx, scopeID)
			if err != nil {
				if streamCtx.Err() == nil {
					log.Error().Err(err).Msg("job stream: refresh")
				}
				continue
			}
			onChange(jobs)
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.Seq,
		&job.ScopeID,
		&job.SubjectID,
		&job.Description,
		&job.Style,
		&job.FullPrompt,
		&status,
		&job.Priority,
		&job.ImageURLs,
		&job.HeroIndex,
		&job.Error,
		&job.RetryCount,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if len(job.ImageURLs) == 0 {
		job.ImageURLs = nil
	}
	return &job, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStore, op, err)
}

var (
	_ domain.JobStore       = (*JobStorePG)(nil)
	_ domain.JobHousekeeper = (*JobStorePG)(nil)
	_ domain.HeroSelector   = (*JobStorePG)(nil)
)
