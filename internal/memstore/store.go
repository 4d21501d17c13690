// Package memstore is an in-process domain.JobStore for development and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imagejobs/internal/domain"
)

// Store keeps jobs in memory. All mutations are serialized by one mutex, so a
// Transition to processing is the point at which a job stops being visible
// to NextPending.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	seq     int64
	subs    map[string]map[int64]*subscriber
	nextSub int64

	now   func() time.Time
	newID func() string
}

type subscriber struct {
	signal chan struct{}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides job id generation.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(opts ...Option) *Store {
	s := &Store{
		jobs:  make(map[string]*domain.Job),
		subs:  make(map[string]map[int64]*subscriber),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Enqueue(ctx context.Context, in domain.JobInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	in, err := in.Normalize()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("%w: duplicate job id %s", domain.ErrStore, id)
	}
	s.seq++
	s.jobs[id] = &domain.Job{
		ID:          id,
		ScopeID:     in.ScopeID,
		SubjectID:   in.SubjectID,
		Description: in.Description,
		Style:       in.Style,
		Status:      domain.JobStatusPending,
		Priority:    in.Priority,
		CreatedAt:   s.now().UTC(),
		Seq:         s.seq,
	}
	s.notifyLocked(in.ScopeID)
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := job.Clone()
	return &out, nil
}

func (s *Store) NextPending(ctx context.Context) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}
		if best == nil || job.Before(*best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}
	out := best.Clone()
	return &out, nil
}

func (s *Store) Transition(ctx context.Context, id string, to domain.JobStatus, update domain.JobUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := update.Validate(to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !update.Permits(job.Status, to) {
		return fmt.Errorf("%w: job %s is %s, cannot move to %s", domain.ErrConflict, id, job.Status, to)
	}
	next := job.Clone()
	if err := update.Apply(&next, to); err != nil {
		return err
	}
	*job = next
	s.notifyLocked(job.ScopeID)
	return nil
}

func (s *Store) Query(ctx context.Context, scopeID string) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(scopeID), nil
}

// SetHero changes which image of a completed job is representative.
func (s *Store) SetHero(ctx context.Context, id string, index int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusCompleted || index < 0 || index >= len(job.ImageURLs) {
		return fmt.Errorf("%w: hero index %d not applicable to job %s", domain.ErrInvalidInput, index, id)
	}
	job.HeroIndex = index
	s.notifyLocked(job.ScopeID)
	return nil
}

// PurgeTerminal drops completed and failed jobs that finished before olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	touched := map[string]struct{}{}
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil || !job.CompletedAt.Before(olderThan) {
			continue
		}
		delete(s.jobs, id)
		touched[job.ScopeID] = struct{}{}
		purged++
	}
	for scope := range touched {
		s.notifyLocked(scope)
	}
	return purged, nil
}

func (s *Store) StaleProcessing(ctx context.Context, startedBefore time.Time) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Job{}
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(*out[j].StartedAt) })
	return out, nil
}

// StreamUpdates delivers the scope's jobs on subscribe and after every change
// to the scope. Bursts of changes are coalesced; each delivery is a fresh
// snapshot, so no final state is ever skipped.
func (s *Store) StreamUpdates(ctx context.Context, scopeID string, onChange func([]domain.Job)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{signal: make(chan struct{}, 1)}
	s.mu.Lock()
	s.nextSub++
	key := s.nextSub
	if s.subs[scopeID] == nil {
		s.subs[scopeID] = make(map[int64]*subscriber)
	}
	s.subs[scopeID][key] = sub
	initial := s.snapshotLocked(scopeID)
	s.mu.Unlock()

	onChange(initial)

	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-sub.signal:
			}
			s.mu.Lock()
			jobs := s.snapshotLocked(scopeID)
			s.mu.Unlock()
			if streamCtx.Err() != nil {
				return
			}
			onChange(jobs)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[scopeID], key)
			if len(s.subs[scopeID]) == 0 {
				delete(s.subs, scopeID)
			}
			s.mu.Unlock()
			cancel()
			<-done
		})
	}, nil
}

func (s *Store) snapshotLocked(scopeID string) []domain.Job {
	out := []domain.Job{}
	for _, job := range s.jobs {
		if job.ScopeID == scopeID {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (s *Store) notifyLocked(scopeID string) {
	for _, sub := range s.subs[scopeID] {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

var (
	_ domain.JobStore       = (*Store)(nil)
	_ domain.JobHousekeeper = (*Store)(nil)
	_ domain.HeroSelector   = (*Store)(nil)
)
