// Package asyncqueue runs in-process tasks with bounded concurrency,
// per-task timeouts and exponential retry.
package asyncqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTimeout is returned when an attempt outlives the queue timeout.
	ErrTimeout = errors.New("task timed out")
	// ErrCleared resolves futures of tasks dropped by Clear.
	ErrCleared = errors.New("task cleared before start")
)

// Task is a unit of work. It must honour ctx.
type Task func(ctx context.Context) (any, error)

type Config struct {
	Concurrency int
	// Timeout bounds each attempt; zero disables it.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

// Future resolves once its task settles.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(v any, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	task     Task
	priority int
	seq      uint64
	future   *Future
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a priority queue of tasks drained by at most Concurrency workers.
type Queue struct {
	name   string
	cfg    Config
	base   context.Context
	logger zerolog.Logger
	slots  *semaphore.Weighted

	mu       sync.Mutex
	items    itemHeap
	seq      uint64
	inFlight int
	paused   bool
	idle     chan struct{}
}

// Option customizes a Queue.
type Option func(*Queue)

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithBaseContext sets the parent of every task context. Cancelling it
// aborts running tasks without further retries.
func WithBaseContext(ctx context.Context) Option {
	return func(q *Queue) { q.base = ctx }
}

func New(name string, cfg Config, opts ...Option) *Queue {
	cfg = cfg.normalized()
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		name:   name,
		cfg:    cfg,
		base:   context.Background(),
		logger: zerolog.Nop(),
		slots:  semaphore.NewWeighted(int64(cfg.Concurrency)),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string   { return q.name }
func (q *Queue) Config() Config { return q.cfg }

// Add schedules task. Higher priority runs first; equal priorities run in
// insertion order.
func (q *Queue) Add(task Task, priority int) *Future {
	f := newFuture()
	q.mu.Lock()
	if q.pendingLocked() == 0 {
		q.idle = make(chan struct{})
	}
	q.seq++
	heap.Push(&q.items, &item{task: task, priority: priority, seq: q.seq, future: f})
	q.dispatchLocked()
	q.mu.Unlock()
	return f
}

// Do adds fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	f := q.Add(func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, priority)
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Pause stops new tasks from starting. Running tasks continue.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear drops every task that has not started. Their futures resolve with
// ErrCleared.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.signalIdleLocked()
	q.mu.Unlock()

	for _, it := range dropped {
		it.future.resolve(nil, ErrCleared)
	}
	return len(dropped)
}

// Size is the number of queued tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending is the number of queued plus running tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// OnIdle blocks until nothing is queued or running.
func (q *Queue) OnIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) pendingLocked() int { return len(q.items) + q.inFlight }

func (q *Queue) signalIdleLocked() {
	if q.pendingLocked() != 0 {
		return
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) dispatchLocked() {
	for !q.paused && len(q.items) > 0 && q.slots.TryAcquire(1) {
		it := heap.Pop(&q.items).(*item)
		q.inFlight++
		go q.run(it)
	}
}

func (q *Queue) run(it *item) {
	v, err := q.execute(it.task)
	it.future.resolve(v, err)

	q.slots.Release(1)
	q.mu.Lock()
	q.inFlight--
	q.dispatchLocked()
	q.signalIdleLocked()
	q.mu.Unlock()
}

// execute runs every attempt while holding the task's slot, so retries do
// not let lower priority work overtake.
func (q *Queue) execute(task Task) (any, error) {
	attempt := 0
	op := func() (any, error) {
		attempt++
		v, err := q.attempt(task)
		if err != nil && q.base.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		q.logger.Warn().Err(err).Str("queue", q.name).Int("attempt", attempt).Dur("retry_in", wait).Msg("asyncqueue: task failed, retrying")
	}
	b := backoff.WithContext(backoff.WithMaxRetries(RetryBackOff(q.cfg), uint64(q.cfg.MaxRetries)), q.base)
	v, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		q.logger.Error().Err(err).Str("queue", q.name).Int("attempts", attempt).Msg("asyncqueue: task rejected")
	}
	return v, err
}

func (q *Queue) attempt(task Task) (any, error) {
	ctx := q.base
	cancel := context.CancelFunc(func() {})
	if q.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(q.base, q.cfg.Timeout)
	}
	defer cancel()

	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := task(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && q.base.Err() == nil {
			return nil, fmt.Errorf("%w: queue %s after %s", ErrTimeout, q.name, q.cfg.Timeout)
		}
		return nil, ctx.Err()
	}
}

// RetryBackOff yields RetryDelay * 2^(attempt-1) for attempt 1, 2, ...
func RetryBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(1 << 62)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
