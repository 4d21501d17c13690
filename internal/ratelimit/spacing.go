package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Spacing enforces a minimum interval between consecutive calls.
type Spacing struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewSpacing(interval time.Duration, now func() time.Time) *Spacing {
	if now == nil {
		now = time.Now
	}
	return &Spacing{interval: interval, now: now}
}

// WaitTime returns how long until the next call is permitted; 0 means now.
func (s *Spacing) WaitTime(_ context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.IsZero() {
		return 0, nil
	}
	wait := s.last.Add(s.interval).Sub(s.now())
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// Record stamps the current time as the last call.
func (s *Spacing) Record(_ context.Context) error {
	s.mu.Lock()
	s.last = s.now()
	s.mu.Unlock()
	return nil
}
