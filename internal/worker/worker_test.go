package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"imagejobs/internal/breaker"
	"imagejobs/internal/domain"
	"imagejobs/internal/memstore"
	"imagejobs/internal/providers/image"
	"imagejobs/internal/ratelimit"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	errs  []error
	calls int
	reqs  []image.GenerateRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req image.GenerateRequest) ([]image.Variant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reqs = append(g.reqs, req)
	if len(g.errs) > 0 {
		err := g.errs[0]
		if len(g.errs) > 1 {
			g.errs = g.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	out := make([]image.Variant, req.Variants)
	for i := range out {
		out[i] = image.Variant{Data: []byte(fmt.Sprintf("img-%d", i)), MIME: "image/png"}
	}
	return out, nil
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
	puts    int
	deleted []string
}

func newMemoryBlobs() *memoryBlobs {
	return &memoryBlobs{objects: map[string][]byte{}}
}

func (b *memoryBlobs) Put(ctx context.Context, data []byte, key, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.failOn != "" && strings.Contains(key, b.failOn) {
		return "", errors.New("disk full")
	}
	b.objects[key] = data
	return "http://blobs.test/" + key, nil
}

func (b *memoryBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return nil
}

type harness struct {
	store *memstore.Store
	gen   *scriptedGenerator
	blobs *memoryBlobs
	w     *Worker
}

func newHarness(t *testing.T, gen *scriptedGenerator, br *breaker.Breaker, limiter *ratelimit.Limiter, maxWait time.Duration) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), gen: gen, blobs: newMemoryBlobs()}
	h.w = New(Deps{
		Store:     h.store,
		Generator: gen,
		Blobs:     h.blobs,
		Limiter:   limiter,
		Breaker:   br,
		Logger:    zerolog.Nop(),
	}, Config{Variants: 3, AspectRatio: "16:9", MaxRetries: 3, MaxWait: maxWait})
	h.w.uploadBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return h
}

func (h *harness) enqueue(t *testing.T, desc string) string {
	t.Helper()
	id, err := h.store.Enqueue(context.Background(), domain.JobInput{ScopeID: "deck", Description: desc, Style: "minimal"})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return id
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return job
}

func (h *harness) run(t *testing.T) Result {
	t.Helper()
	res, err := h.w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	return res
}

func TestRunOnceIdle(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{}, nil, nil, 0)
	if res := h.run(t); res.Outcome != OutcomeIdle {
		t.Fatalf("outcome mismatch: got %s want idle", res.Outcome)
	}
	if h.gen.calls != 0 {
		t.Fatal("generator should not be called when idle")
	}
}

func TestRunOnceCompletesJob(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{}, nil, nil, 0)
	id := h.enqueue(t, "a red fox")

	res := h.run(t)
	if res.Outcome != OutcomeCompleted || res.JobID != id {
		t.Fatalf("unexpected result: %+v", res)
	}
	job := h.job(t, id)
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status mismatch: got %s want completed", job.Status)
	}
	if len(job.ImageURLs) != 3 || job.HeroIndex != 0 {
		t.Fatalf("unexpected images: %v hero=%d", job.ImageURLs, job.HeroIndex)
	}
	if job.ImageURLs[1] != "http://blobs.test/generated/images/"+id+"/image-02.png" {
		t.Fatalf("url mismatch: %s", job.ImageURLs[1])
	}
	if !strings.HasPrefix(job.FullPrompt, "a red fox. Visual style:") {
		t.Fatalf("fullPrompt not recorded: %q", job.FullPrompt)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatal("lifecycle timestamps missing")
	}
	if h.gen.reqs[0].Prompt != job.FullPrompt || h.gen.reqs[0].AspectRatio != "16:9" {
		t.Fatalf("unexpected generate request: %+v", h.gen.reqs[0])
	}
}

func TestRunOnceRetryBound(t *testing.T) {
	rateLimited := fmt.Errorf("%w: Requests rate limit exceeded", domain.ErrRateLimited)
	h := newHarness(t, &scriptedGenerator{errs: []error{rateLimited}}, nil, nil, 0)
	id := h.enqueue(t, "a red fox")

	for attempt := 1; attempt <= 2; attempt++ {
		res := h.run(t)
		if res.Outcome != OutcomeRequeued {
			t.Fatalf("attempt %d: outcome %s, want requeued", attempt, res.Outcome)
		}
		job := h.job(t, id)
		if job.Status != domain.JobStatusPending || job.RetryCount != attempt {
			t.Fatalf("attempt %d: status=%s retryCount=%d", attempt, job.Status, job.RetryCount)
		}
		if job.CompletedAt != nil {
			t.Fatalf("attempt %d: completedAt should not be set", attempt)
		}
	}

	res := h.run(t)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("final outcome %s, want failed", res.Outcome)
	}
	job := h.job(t, id)
	if job.Status != domain.JobStatusFailed || job.RetryCount != 3 {
		t.Fatalf("final status=%s retryCount=%d, want failed/3", job.Status, job.RetryCount)
	}
	if !strings.Contains(job.Error, "Requests rate limit exceeded") {
		t.Fatalf("error should carry the last rate-limit message: %q", job.Error)
	}
	if job.CompletedAt == nil {
		t.Fatal("completedAt should be set on failure")
	}
}

func TestRunOnceServiceErrorIsTerminal(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{errs: []error{fmt.Errorf("%w: bad prompt", domain.ErrService)}}, nil, nil, 0)
	id := h.enqueue(t, "a red fox")

	if res := h.run(t); res.Outcome != OutcomeFailed {
		t.Fatalf("outcome %s, want failed", res.Outcome)
	}
	job := h.job(t, id)
	if job.RetryCount != 1 || !strings.Contains(job.Error, "bad prompt") {
		t.Fatalf("unexpected job: retryCount=%d error=%q", job.RetryCount, job.Error)
	}
}

func TestRunOnceCircuitOpenIsTerminal(t *testing.T) {
	rateLimited := fmt.Errorf("%w: slow down", domain.ErrRateLimited)
	br := breaker.New("generation", 1, time.Hour)
	h := newHarness(t, &scriptedGenerator{errs: []error{rateLimited}}, br, nil, 0)
	id := h.enqueue(t, "a red fox")

	if res := h.run(t); res.Outcome != OutcomeRequeued {
		t.Fatalf("first outcome %s, want requeued", res.Outcome)
	}
	res := h.run(t)
	if res.Outcome != OutcomeFailed || !errors.Is(res.Err, breaker.ErrCircuitOpen) {
		t.Fatalf("second result %+v, want failed with circuit open", res)
	}
	if h.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", h.gen.calls)
	}
	if job := h.job(t, id); job.Status != domain.JobStatusFailed {
		t.Fatalf("status %s, want failed", job.Status)
	}
}

func TestRunOnceDefersWhenWaitTooLong(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	limiter := ratelimit.NewLimiter(nil, ratelimit.NewSpacing(45*time.Second, now), ratelimit.WithClock(now))
	_ = limiter.Record(context.Background())

	h := newHarness(t, &scriptedGenerator{}, nil, limiter, 30*time.Second)
	id := h.enqueue(t, "a red fox")

	res := h.run(t)
	if res.Outcome != OutcomeDeferred || res.Wait != 45*time.Second {
		t.Fatalf("unexpected result: %+v", res)
	}
	job := h.job(t, id)
	if job.Status != domain.JobStatusPending || job.RetryCount != 0 || job.StartedAt != nil {
		t.Fatalf("deferred job should be untouched pending, got %+v", job)
	}
	if h.gen.calls != 0 {
		t.Fatal("generator must not be called on deferral")
	}
}

func TestRunOnceUploadFailureCleansUp(t *testing.T) {
	h := newHarness(t, &scriptedGenerator{}, nil, nil, 0)
	h.blobs.failOn = "image-03"
	id := h.enqueue(t, "a red fox")

	res := h.run(t)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome %s, want failed", res.Outcome)
	}
	if !strings.Contains(h.job(t, id).Error, "disk full") {
		t.Fatalf("error should mention the upload failure: %q", h.job(t, id).Error)
	}
	if len(h.blobs.objects) != 0 {
		t.Fatalf("uploaded variants should be removed, left %v", h.blobs.objects)
	}
	if h.blobs.puts < 5 {
		t.Fatalf("failed upload should be retried, puts=%d", h.blobs.puts)
	}
}

type conflictingStore struct {
	*memstore.Store
}

func (s conflictingStore) Transition(ctx context.Context, id string, to domain.JobStatus, u domain.JobUpdate) error {
	if to == domain.JobStatusProcessing {
		return fmt.Errorf("%w: claimed elsewhere", domain.ErrConflict)
	}
	return s.Store.Transition(ctx, id, to, u)
}

func TestRunOnceContended(t *testing.T) {
	gen := &scriptedGenerator{}
	store := memstore.New()
	w := New(Deps{Store: conflictingStore{store}, Generator: gen, Blobs: newMemoryBlobs()}, Config{})
	if _, err := store.Enqueue(context.Background(), domain.JobInput{ScopeID: "deck", Description: "fox"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res.Outcome != OutcomeContended || gen.calls != 0 {
		t.Fatalf("unexpected result %+v calls=%d", res, gen.calls)
	}
}

func TestShouldRetry(t *testing.T) {
	if !ShouldRetry(fmt.Errorf("%w: x", domain.ErrRateLimited)) {
		t.Fatal("rate limited errors should retry")
	}
	if ShouldRetry(breaker.ErrCircuitOpen) || ShouldRetry(domain.ErrService) {
		t.Fatal("circuit open and service errors must not retry")
	}
}

// flakySpacing reports one long wait and fails every read after it.
type flakySpacing struct {
	reads int
}

func (s *flakySpacing) WaitTime(ctx context.Context) (time.Duration, error) {
	s.reads++
	if s.reads > 1 {
		return 0, errors.New("redis: connection reset")
	}
	return 45 * time.Second, nil
}

func (s *flakySpacing) Record(ctx context.Context) error { return nil }

func TestRunOnceDeferralReportsWaitFromLimiter(t *testing.T) {
	spacing := &flakySpacing{}
	limiter := ratelimit.NewLimiter(nil, spacing)
	h := newHarness(t, &scriptedGenerator{}, nil, limiter, 30*time.Second)
	h.enqueue(t, "a red fox")

	res := h.run(t)
	if res.Outcome != OutcomeDeferred {
		t.Fatalf("outcome mismatch: got %q want %q", res.Outcome, OutcomeDeferred)
	}
	if res.Wait != 45*time.Second {
		t.Fatalf("wait mismatch: got %s want 45s", res.Wait)
	}
	if spacing.reads != 1 {
		t.Fatalf("limiter read %d times, want 1", spacing.reads)
	}
}
