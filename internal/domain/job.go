package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// CancelledReason is recorded on pending jobs failed by a scope cancellation.
const CancelledReason = "cancelled"

// AbandonedReason is recorded on processing jobs whose worker never reported back.
const AbandonedReason = "abandoned: worker did not finish"

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further automatic transition is expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus converts free-form input into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return s, nil
}

// allowedFrom lists, for every target status, the statuses a job may hold
// immediately before the transition.
var allowedFrom = map[JobStatus][]JobStatus{
	// processing -> pending re-queues a rate limited or deferred attempt;
	// failed -> pending is the explicit user retry.
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusPending},
	JobStatusCompleted:  {JobStatusProcessing},
	// pending -> failed is scope cancellation.
	JobStatusFailed: {JobStatusProcessing, JobStatusPending},
}

// AllowedFrom returns the statuses from which a job may move to target.
func AllowedFrom(target JobStatus) []JobStatus {
	from := allowedFrom[target]
	out := make([]JobStatus, len(from))
	copy(out, from)
	return out
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Job is one unit of requested external image generation and its lifecycle.
type Job struct {
	ID          string
	ScopeID     string
	SubjectID   string
	Description string
	Style       string
	FullPrompt  string
	Status      JobStatus
	Priority    int
	ImageURLs   []string
	HeroIndex   int
	Error       string
	RetryCount  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Seq is a store-assigned insertion counter used to break createdAt ties.
	Seq int64
}

// HeroURL returns the representative image URL, or "" when none exists.
func (j Job) HeroURL() string {
	if j.HeroIndex < 0 || j.HeroIndex >= len(j.ImageURLs) {
		return ""
	}
	return j.ImageURLs[j.HeroIndex]
}

// Clone returns a deep copy so callers cannot alias store state.
func (j Job) Clone() Job {
	out := j
	if j.ImageURLs != nil {
		out.ImageURLs = append([]string(nil), j.ImageURLs...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Before reports whether j is serviced ahead of other among pending jobs:
// higher priority first, then earlier creation, then insertion order.
func (j Job) Before(other Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.Seq < other.Seq
}

// JobInput carries caller-provided fields for a new job.
type JobInput struct {
	ScopeID     string
	SubjectID   string
	Description string
	Style       string
	Priority    int
}

// Normalize trims whitespace and validates required fields.
func (in JobInput) Normalize() (JobInput, error) {
	in.ScopeID = strings.TrimSpace(in.ScopeID)
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.Description = strings.TrimSpace(in.Description)
	in.Style = strings.TrimSpace(in.Style)
	if in.ScopeID == "" {
		return in, fmt.Errorf("%w: scope id is required", ErrInvalidInput)
	}
	if in.Description == "" {
		return in, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}
	return in, nil
}

// JobUpdate holds the auxiliary fields written alongside a status change.
// Nil pointers leave the stored value untouched.
type JobUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	ImageURLs   []string
	HeroIndex   *int
	FullPrompt  *string
	Error       *string
	RetryCount  *int

	// ResetLifecycle clears StartedAt and CompletedAt.
	ResetLifecycle bool

	// From narrows the statuses the job may currently hold. Empty allows
	// every edge into the target status.
	From []JobStatus
}

// Sources returns the statuses a job may hold for this update to move it to
// status to: AllowedFrom(to), narrowed by From.
func (u JobUpdate) Sources(to JobStatus) []JobStatus {
	if len(u.From) == 0 {
		return AllowedFrom(to)
	}
	out := make([]JobStatus, 0, len(u.From))
	for _, s := range u.From {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Permits reports whether a job currently in status from may take this update
// to status to.
func (u JobUpdate) Permits(from, to JobStatus) bool {
	for _, s := range u.Sources(to) {
		if s == from {
			return true
		}
	}
	return false
}

// Validate checks that u may accompany a move to status to.
func (u JobUpdate) Validate(to JobStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to == JobStatusCompleted && len(u.ImageURLs) == 0 {
		return fmt.Errorf("%w: completed job requires image urls", ErrInvalidTransition)
	}
	if to != JobStatusCompleted && len(u.ImageURLs) > 0 {
		return fmt.Errorf("%w: image urls only allowed on completion", ErrInvalidTransition)
	}
	for _, from := range u.From {
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s cannot move to %s", ErrInvalidTransition, from, to)
		}
	}
	if u.HeroIndex != nil && (*u.HeroIndex < 0 || (to == JobStatusCompleted && *u.HeroIndex >= len(u.ImageURLs))) {
		return fmt.Errorf("%w: hero index %d out of range", ErrInvalidTransition, *u.HeroIndex)
	}
	return nil
}

// Apply validates the update and mutates j in place. The caller is
// responsible for checking CanTransition against the stored status.
func (u JobUpdate) Apply(j *Job, to JobStatus) error {
	if err := u.Validate(to); err != nil {
		return err
	}
	j.Status = to
	if u.ResetLifecycle {
		j.StartedAt = nil
		j.CompletedAt = nil
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		j.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
	if to == JobStatusCompleted {
		j.ImageURLs = append([]string(nil), u.ImageURLs...)
	} else {
		j.ImageURLs = nil
	}
	if u.HeroIndex != nil {
		j.HeroIndex = *u.HeroIndex
	}
	if u.FullPrompt != nil {
		j.FullPrompt = *u.FullPrompt
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	return nil
}
