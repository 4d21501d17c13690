package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestWindowAdmitsUpToLimit(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	w := NewWindow(2, time.Second, clock.Now)

	for i := 0; i < 2; i++ {
		ok, _ := w.CanProceed(ctx, "caller")
		if !ok {
			t.Fatalf("call %d should be admitted", i)
		}
		_ = w.Record(ctx, "caller")
		clock.Advance(100 * time.Millisecond)
	}
	if ok, _ := w.CanProceed(ctx, "caller"); ok {
		t.Fatal("third call inside the window should be rejected")
	}
	if ok, _ := w.CanProceed(ctx, "other"); !ok {
		t.Fatal("keys must be independent")
	}

	wait, _ := w.WaitTime(ctx, "caller")
	if wait != 800*time.Millisecond {
		t.Fatalf("wait mismatch: got %s want 800ms", wait)
	}
	clock.Advance(wait)
	if ok, _ := w.CanProceed(ctx, "caller"); !ok {
		t.Fatal("call should be admitted once the oldest entry expires")
	}
}

func TestSpacingWaitTime(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	s := NewSpacing(2*time.Second, clock.Now)

	if wait, _ := s.WaitTime(ctx); wait != 0 {
		t.Fatalf("first call should not wait, got %s", wait)
	}
	_ = s.Record(ctx)
	clock.Advance(500 * time.Millisecond)
	if wait, _ := s.WaitTime(ctx); wait != 1500*time.Millisecond {
		t.Fatalf("wait mismatch: got %s want 1.5s", wait)
	}
	clock.Advance(3 * time.Second)
	if wait, _ := s.WaitTime(ctx); wait != 0 {
		t.Fatalf("wait should be zero after the interval, got %s", wait)
	}
}

func TestAcquireSeparatesBackToBackCalls(t *testing.T) {
	const interval = 40 * time.Millisecond
	limiter := NewLimiter(nil, NewSpacing(interval, nil))
	ctx := context.Background()

	if _, err := limiter.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}
	first := time.Now()
	if _, err := limiter.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if gap := time.Since(first); gap < interval-time.Millisecond {
		t.Fatalf("calls separated by %s, want at least %s", gap, interval)
	}
}

func TestAcquireCombinesPolicies(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	var slept []time.Duration
	limiter := NewLimiter(
		NewWindow(1, 10*time.Second, clock.Now),
		NewSpacing(time.Second, clock.Now),
		WithClock(clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			clock.Advance(d)
			return nil
		}),
	)

	if _, err := limiter.Acquire(ctx, time.Minute); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	waited, err := limiter.Acquire(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if waited != 10*time.Second || len(slept) != 1 {
		t.Fatalf("expected one 10s wait from the window, got %v (waited %s)", slept, waited)
	}
}

func TestAcquireRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	slept := 0
	limiter := NewLimiter(nil, NewSpacing(45*time.Second, clock.Now),
		WithClock(clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			slept++
			return nil
		}),
	)
	_ = limiter.Record(ctx)

	_, err := limiter.Acquire(ctx, 30*time.Second)
	if !errors.Is(err, ErrWaitTooLong) {
		t.Fatalf("expected ErrWaitTooLong, got %v", err)
	}
	if slept != 0 {
		t.Fatalf("should not sleep when over the ceiling, slept %d times", slept)
	}
	var tooLong *WaitError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected *WaitError, got %T", err)
	}
	if tooLong.Wait != 45*time.Second || tooLong.Ceiling != 30*time.Second {
		t.Fatalf("WaitError mismatch: got %+v", tooLong)
	}
}

func TestWindowWithoutLimitAdmitsEverything(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	for _, limit := range []int{0, -1} {
		w := NewWindow(limit, time.Minute, clock.Now)
		for i := 0; i < 3; i++ {
			if ok, _ := w.CanProceed(ctx, "global"); !ok {
				t.Fatalf("limit %d: call %d rejected", limit, i)
			}
			if err := w.Record(ctx, "global"); err != nil {
				t.Fatalf("limit %d: Record error: %v", limit, err)
			}
		}
		limiter := NewLimiter(w, NewSpacing(0, clock.Now), WithClock(clock.Now))
		waited, err := limiter.Acquire(ctx, 30*time.Second)
		if err != nil || waited != 0 {
			t.Fatalf("limit %d: Acquire = %s, %v; want 0, nil", limit, waited, err)
		}
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
