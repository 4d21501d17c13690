package domain

import (
	"context"
	"time"
)

// JobStore defines persistence for image generation jobs.
type JobStore interface {
	// Enqueue creates a pending job and returns its identifier.
	Enqueue(ctx context.Context, in JobInput) (string, error)
	// Get fetches a job by id or returns ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// NextPending returns the next job to service, or nil when the queue is empty.
	NextPending(ctx context.Context) (*Job, error)
	// Transition moves a job to status to. It fails with ErrNotFound when the
	// job is gone and ErrConflict when its current status does not allow it.
	Transition(ctx context.Context, id string, to JobStatus, update JobUpdate) error
	// Query lists jobs for a scope in creation order.
	Query(ctx context.Context, scopeID string) ([]Job, error)
	// StreamUpdates pushes the scope's full job list on subscribe and after
	// every change. The returned func unsubscribes.
	StreamUpdates(ctx context.Context, scopeID string, onChange func([]Job)) (func(), error)
}

// JobHousekeeper is implemented by stores that can drop old terminal jobs
// and find jobs whose worker never finished.
type JobHousekeeper interface {
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	// StaleProcessing lists processing jobs started before startedBefore,
	// oldest first.
	StaleProcessing(ctx context.Context, startedBefore time.Time) ([]Job, error)
}

// HeroSelector is implemented by stores that can change a completed job's
// representative image.
type HeroSelector interface {
	SetHero(ctx context.Context, id string, index int) error
}
