package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrStore             = errors.New("store unavailable")
	ErrConflict          = errors.New("job state changed concurrently")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRateLimited       = errors.New("rate limited by generation service")
	ErrService           = errors.New("generation service failure")
)
