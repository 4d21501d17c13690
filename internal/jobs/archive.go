package jobs

import (
	"context"
	"fmt"
	"path"

	"imagejobs/internal/asyncqueue"
	"imagejobs/internal/domain"
	"imagejobs/pkg/zip"
)

// BlobReader resolves and reads stored images.
type BlobReader interface {
	KeyForURL(uri string) (string, bool)
	Get(ctx context.Context, key string) ([]byte, error)
}

// WithArchiver enables ArchiveJob. Archives are built on q.
func WithArchiver(blobs BlobReader, q *asyncqueue.Queue) Option {
	return func(s *Service) {
		s.blobs = blobs
		s.exportQueue = q
	}
}

// ArchiveJob bundles a completed job's images and prompt into a zip.
func (s *Service) ArchiveJob(ctx context.Context, id string) ([]byte, error) {
	if s.blobs == nil || s.exportQueue == nil {
		return nil, fmt.Errorf("%w: archive export not configured", domain.ErrStore)
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s, only completed jobs can be archived", domain.ErrConflict, id, job.Status)
	}
	return asyncqueue.Do(ctx, s.exportQueue, job.Priority, func(ctx context.Context) ([]byte, error) {
		return s.buildArchive(ctx, job)
	})
}

func (s *Service) buildArchive(ctx context.Context, job *domain.Job) ([]byte, error) {
	entries := make([]zip.Entry, 0, len(job.ImageURLs)+1)
	modified := job.CreatedAt
	if job.CompletedAt != nil {
		modified = *job.CompletedAt
	}
	for i, uri := range job.ImageURLs {
		key, ok := s.blobs.KeyForURL(uri)
		if !ok {
			return nil, fmt.Errorf("%w: image %d of job %s is not in local storage", domain.ErrStore, i, job.ID)
		}
		data, err := s.blobs.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		name := path.Base(key)
		if i == job.HeroIndex {
			name = "hero-" + name
		}
		entries = append(entries, zip.Entry{Filename: name, Data: data, Modified: modified})
	}
	entries = append(entries, zip.Entry{Filename: "prompt.txt", Data: []byte(job.FullPrompt + "\n"), Modified: modified})
	return zip.Archive(entries)
}
