package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTooLong is returned by Acquire when the mandated wait exceeds the
// caller's ceiling. Callers should defer the work rather than block.
var ErrWaitTooLong = errors.New("ratelimit: required wait exceeds ceiling")

// WaitError carries the wait that Acquire refused to sleep through.
type WaitError struct {
	Wait    time.Duration
	Ceiling time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v: need %s, ceiling %s", ErrWaitTooLong, e.Wait, e.Ceiling)
}

func (e *WaitError) Unwrap() error { return ErrWaitTooLong }

// WindowPolicy is a sliding-window limiter keyed by caller.
type WindowPolicy interface {
	CanProceed(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
	WaitTime(ctx context.Context, key string) (time.Duration, error)
}

// SpacingPolicy is a global minimum-interval limiter.
type SpacingPolicy interface {
	WaitTime(ctx context.Context) (time.Duration, error)
	Record(ctx context.Context) error
}

// Limiter requires both policies to admit a call. Either may be nil.
type Limiter struct {
	window  WindowPolicy
	spacing SpacingPolicy
	key     string
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithSleeper replaces the blocking wait, mainly for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithClock replaces the time source used for the wait ceiling.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithKey sets the window key; the default is a single global key.
func WithKey(key string) Option {
	return func(l *Limiter) { l.key = key }
}

func NewLimiter(window WindowPolicy, spacing SpacingPolicy, opts ...Option) *Limiter {
	l := &Limiter{
		window:  window,
		spacing: spacing,
		key:     "global",
		now:     time.Now,
		sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WaitTime returns the longer of the two policies' waits.
func (l *Limiter) WaitTime(ctx context.Context) (time.Duration, error) {
	var wait time.Duration
	if l.spacing != nil {
		w, err := l.spacing.WaitTime(ctx)
		if err != nil {
			return 0, err
		}
		wait = w
	}
	if l.window != nil {
		w, err := l.window.WaitTime(ctx, l.key)
		if err != nil {
			return 0, err
		}
		wait = max(wait, w)
	}
	return wait, nil
}

// Record stamps a call on both policies.
func (l *Limiter) Record(ctx context.Context) error {
	if l.spacing != nil {
		if err := l.spacing.Record(ctx); err != nil {
			return err
		}
	}
	if l.window != nil {
		if err := l.window.Record(ctx, l.key); err != nil {
			return err
		}
	}
	return nil
}

// Acquire blocks until both policies admit a call, then records it. It
// returns ErrWaitTooLong without waiting when the total wait would pass
// maxWait. A non-positive maxWait means no ceiling.
func (l *Limiter) Acquire(ctx context.Context, maxWait time.Duration) (time.Duration, error) {
	start := l.now()
	var waited time.Duration
	for {
		wait, err := l.WaitTime(ctx)
		if err != nil {
			return waited, err
		}
		if wait <= 0 {
			return waited, l.Record(ctx)
		}
		elapsed := l.now().Sub(start)
		if maxWait > 0 && elapsed+wait > maxWait {
			return waited, &WaitError{Wait: wait, Ceiling: maxWait}
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
