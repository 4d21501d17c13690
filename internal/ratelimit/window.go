// Package ratelimit paces calls to the generation service with a sliding
// window and a minimum spacing between consecutive calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits at most limit calls per key within a rolling window.
// Expired timestamps are pruned lazily on every check. A limit below 1
// disables the window.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  map[string][]time.Time
	now    func() time.Time
}

func NewWindow(limit int, window time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{
		limit:  limit,
		window: window,
		calls:  make(map[string][]time.Time),
		now:    now,
	}
}

// CanProceed reports whether a call for key fits in the current window.
func (w *Window) CanProceed(_ context.Context, key string) (bool, error) {
	if w.limit < 1 {
		return true, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pruneLocked(key, w.now())) < w.limit, nil
}

// Record appends a call timestamp for key.
func (w *Window) Record(_ context.Context, key string) error {
	if w.limit < 1 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.calls[key] = append(w.pruneLocked(key, now), now)
	return nil
}

// WaitTime returns how long until key has room for one more call.
func (w *Window) WaitTime(_ context.Context, key string) (time.Duration, error) {
	if w.limit < 1 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	calls := w.pruneLocked(key, now)
	if len(calls) < w.limit {
		return 0, nil
	}
	// The oldest call that must expire to bring the count under the limit.
	oldest := calls[len(calls)-w.limit]
	return oldest.Add(w.window).Sub(now), nil
}

func (w *Window) pruneLocked(key string, now time.Time) []time.Time {
	calls := w.calls[key]
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i == len(calls) {
		delete(w.calls, key)
		return nil
	}
	if i > 0 {
		calls = append([]time.Time(nil), calls[i:]...)
		w.calls[key] = calls
	}
	return calls
}
