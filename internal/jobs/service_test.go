package jobs

import (
	stdzip "archive/zip"
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"imagejobs/internal/asyncqueue"
	"imagejobs/internal/domain"
	"imagejobs/internal/driver"
	"imagejobs/internal/memstore"
	"imagejobs/internal/storage"
	"imagejobs/internal/worker"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, opts ...Option) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.WithClock(func() time.Time { return fixedNow }))
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(store, opts...), store
}

func mustEnqueue(t *testing.T, s *Service, scope, desc string) string {
	t.Helper()
	id, err := s.EnqueueJob(context.Background(), scope, "subject", desc, "minimalist", 0)
	if err != nil {
		t.Fatalf("EnqueueJob(%s) error: %v", desc, err)
	}
	return id
}

func moveTo(t *testing.T, store *memstore.Store, id string, to domain.JobStatus, update domain.JobUpdate) {
	t.Helper()
	if err := store.Transition(context.Background(), id, to, update); err != nil {
		t.Fatalf("transition %s -> %s: %v", id, to, err)
	}
}

func TestEnqueueJobValidates(t *testing.T) {
	s, _ := newService(t)
	_, err := s.EnqueueJob(context.Background(), "scope", "subject", "   ", "", 0)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCancelPendingForScopeLeavesProcessing(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()

	a := mustEnqueue(t, s, "deck-1", "a")
	b := mustEnqueue(t, s, "deck-1", "b")
	c := mustEnqueue(t, s, "deck-1", "c")
	other := mustEnqueue(t, s, "deck-2", "other")
	started := fixedNow
	moveTo(t, store, b, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})

	n, err := s.CancelPendingForScope(ctx, "deck-1")
	if err != nil {
		t.Fatalf("CancelPendingForScope returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled mismatch: got %d want 2", n)
	}

	for _, id := range []string{a, c} {
		job, _ := s.GetJob(ctx, id)
		if job.Status != domain.JobStatusFailed || job.Error != domain.CancelledReason {
			t.Fatalf("job %s: got status=%s error=%q, want failed/cancelled", id, job.Status, job.Error)
		}
		if job.CompletedAt == nil {
			t.Fatalf("job %s: completedAt not set", id)
		}
	}
	if job, _ := s.GetJob(ctx, b); job.Status != domain.JobStatusProcessing {
		t.Fatalf("processing job changed to %s", job.Status)
	}
	if job, _ := s.GetJob(ctx, other); job.Status != domain.JobStatusPending {
		t.Fatalf("other scope job changed to %s", job.Status)
	}

	sum := Summarize(mustList(t, s, "deck-1"))
	if sum.Failed != 2 || sum.Processing != 1 || sum.Done {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func mustList(t *testing.T, s *Service, scope string) []domain.Job {
	t.Helper()
	jobs, err := s.JobsForScope(context.Background(), scope)
	if err != nil {
		t.Fatalf("JobsForScope returned error: %v", err)
	}
	return jobs
}

func TestRetryJobResetsFailedJob(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "deck", "a")

	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	msg, retries := "rate limited", 3
	moveTo(t, store, id, domain.JobStatusFailed, domain.JobUpdate{Error: &msg, RetryCount: &retries, CompletedAt: &started})

	if err := s.RetryJob(ctx, id); err != nil {
		t.Fatalf("RetryJob returned error: %v", err)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != domain.JobStatusPending {
		t.Fatalf("status mismatch: got %s want pending", job.Status)
	}
	if job.RetryCount != 0 || job.Error != "" || job.StartedAt != nil || job.CompletedAt != nil {
		t.Fatalf("retry did not reset job: %+v", job)
	}
}

func TestRetryJobRejectsNonFailed(t *testing.T) {
	s, _ := newService(t)
	id := mustEnqueue(t, s, "deck", "a")
	if err := s.RetryJob(context.Background(), id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.RetryJob(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetHeroOnCompletedJob(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "deck", "a")
	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	moveTo(t, store, id, domain.JobStatusCompleted, domain.JobUpdate{ImageURLs: []string{"u0", "u1", "u2"}, CompletedAt: &started})

	if err := s.SetHero(ctx, id, 2); err != nil {
		t.Fatalf("SetHero returned error: %v", err)
	}
	job, _ := s.GetJob(ctx, id)
	if job.HeroURL() != "u2" {
		t.Fatalf("HeroURL mismatch: got %q want u2", job.HeroURL())
	}
	if err := s.SetHero(ctx, id, 3); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for out of range hero, got %v", err)
	}
}

func TestPurgeTerminal(t *testing.T) {
	s, store := newService(t)
	id := mustEnqueue(t, s, "deck", "a")
	mustEnqueue(t, s, "deck", "b")
	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	msg := "boom"
	moveTo(t, store, id, domain.JobStatusFailed, domain.JobUpdate{Error: &msg, CompletedAt: &started})

	n, err := s.PurgeTerminal(context.Background(), fixedNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged mismatch: got %d want 1", n)
	}
	if jobs := mustList(t, s, "deck"); len(jobs) != 1 {
		t.Fatalf("remaining jobs mismatch: got %d want 1", len(jobs))
	}
}

type countingDriver struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func (d *countingDriver) DriveOnce(context.Context) (worker.Result, error) {
	return worker.Result{Outcome: worker.OutcomeIdle}, nil
}

func (d *countingDriver) DriveContinuous(context.Context, int) (driver.Summary, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	d.done <- struct{}{}
	return driver.Summary{Reason: driver.StopIdle}, nil
}

func TestEnqueueKicksDriver(t *testing.T) {
	d := &countingDriver{done: make(chan struct{}, 4)}
	q := asyncqueue.New(asyncqueue.QueueImageGeneration, asyncqueue.Config{Concurrency: 1})
	s, _ := newService(t, WithDriver(d), WithKicker(q, 3))

	mustEnqueue(t, s, "deck", "a")
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver was not kicked")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.OnIdle(ctx); err != nil {
		t.Fatalf("OnIdle returned error: %v", err)
	}
}

func TestDriveWithoutDriver(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.DriveOnce(context.Background()); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("expected ErrNoDriver, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	jobs := []domain.Job{
		{Status: domain.JobStatusCompleted},
		{Status: domain.JobStatusCompleted},
		{Status: domain.JobStatusFailed},
	}
	sum := Summarize(jobs)
	if sum.Total != 3 || sum.Completed != 2 || sum.Failed != 1 || !sum.Done {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if Summarize(nil).Done != true {
		t.Fatal("empty scope should be done")
	}
}

func TestArchiveJob(t *testing.T) {
	blobs, err := storage.NewFileStore(t.TempDir(), "http://localhost/static")
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	q := asyncqueue.New(asyncqueue.QueueExport, asyncqueue.Config{Concurrency: 1})
	s, store := newService(t, WithArchiver(blobs, q))
	ctx := context.Background()

	id := mustEnqueue(t, s, "deck", "a fox")
	if _, err := s.ArchiveJob(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for pending job, got %v", err)
	}

	var urls []string
	for i, body := range []string{"first", "second"} {
		uri, err := blobs.Put(ctx, []byte(body), worker.StorageKey(id, "image/png", i), "image/png")
		if err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
		urls = append(urls, uri)
	}
	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	moveTo(t, store, id, domain.JobStatusCompleted, domain.JobUpdate{ImageURLs: urls, CompletedAt: &started})

	data, err := s.ArchiveJob(ctx, id)
	if err != nil {
		t.Fatalf("ArchiveJob returned error: %v", err)
	}
	zr, err := stdzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	want := []string{"hero-image-01.png", "image-02.png", "prompt.txt"}
	if len(names) != len(want) {
		t.Fatalf("entries mismatch: got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries mismatch: got %v want %v", names, want)
		}
	}
}

// staleStore serves reads from a snapshot taken before a concurrent writer
// moved the job on.
type staleStore struct {
	*memstore.Store
	snapshot map[string]domain.Job
}

func (s staleStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	if job, ok := s.snapshot[id]; ok {
		return &job, nil
	}
	return s.Store.Get(ctx, id)
}

func (s staleStore) Query(ctx context.Context, scopeID string) ([]domain.Job, error) {
	var out []domain.Job
	for _, job := range s.snapshot {
		if job.ScopeID == scopeID {
			out = append(out, job)
		}
	}
	return out, nil
}

func TestRetryJobDoesNotResetClaimedJob(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "deck", "a")

	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})
	msg, retries := "service down", 1
	moveTo(t, store, id, domain.JobStatusFailed, domain.JobUpdate{Error: &msg, RetryCount: &retries, CompletedAt: &started})
	failed, _ := store.Get(ctx, id)

	if err := s.RetryJob(ctx, id); err != nil {
		t.Fatalf("first RetryJob returned error: %v", err)
	}
	reclaimed := fixedNow.Add(time.Minute)
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &reclaimed})

	late := NewService(staleStore{Store: store, snapshot: map[string]domain.Job{id: *failed}})
	if err := late.RetryJob(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second RetryJob: expected ErrConflict, got %v", err)
	}
	job, _ := store.Get(ctx, id)
	if job.Status != domain.JobStatusProcessing {
		t.Fatalf("status mismatch: got %s want processing", job.Status)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(reclaimed) {
		t.Fatalf("startedAt was reset: %+v", job.StartedAt)
	}
}

func TestCancelSkipsJobClaimedAfterQuery(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "deck", "a")
	pending, _ := store.Get(ctx, id)

	started := fixedNow
	moveTo(t, store, id, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &started})

	late := NewService(staleStore{Store: store, snapshot: map[string]domain.Job{id: *pending}})
	n, err := late.CancelPendingForScope(ctx, "deck")
	if err != nil {
		t.Fatalf("CancelPendingForScope returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("cancelled mismatch: got %d want 0", n)
	}
	if job, _ := store.Get(ctx, id); job.Status != domain.JobStatusProcessing {
		t.Fatalf("claimed job changed to %s", job.Status)
	}
}

func TestReapStaleFailsAbandonedJobs(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	old := mustEnqueue(t, s, "deck", "old")
	fresh := mustEnqueue(t, s, "deck", "fresh")

	oldStart, freshStart := fixedNow.Add(-10*time.Minute), fixedNow
	moveTo(t, store, old, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &oldStart})
	moveTo(t, store, fresh, domain.JobStatusProcessing, domain.JobUpdate{StartedAt: &freshStart})

	n, err := s.ReapStale(ctx, fixedNow.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReapStale returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped mismatch: got %d want 1", n)
	}
	job, _ := s.GetJob(ctx, old)
	if job.Status != domain.JobStatusFailed || job.Error != domain.AbandonedReason || job.CompletedAt == nil {
		t.Fatalf("stale job not failed: %+v", job)
	}
	if job, _ := s.GetJob(ctx, fresh); job.Status != domain.JobStatusProcessing {
		t.Fatalf("fresh job changed to %s", job.Status)
	}
	if err := s.RetryJob(ctx, old); err != nil {
		t.Fatalf("reaped job should be retryable, got %v", err)
	}
}
