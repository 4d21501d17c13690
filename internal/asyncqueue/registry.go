package asyncqueue

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"imagejobs/internal/infra"
)

// Queue names used by the application.
const (
	QueueImageGeneration = "image-generation"
	QueueExport          = "export"
	QueuePresentation    = "presentation"
)

// Registry hands out named queues, each with its own configuration.
type Registry struct {
	mu       sync.Mutex
	configs  map[string]Config
	fallback Config
	queues   map[string]*Queue
	base     context.Context
	logger   zerolog.Logger
}

// NewRegistry builds a registry from per-name configs. Unknown names get
// a single-slot queue without retries.
func NewRegistry(ctx context.Context, configs map[string]Config, logger zerolog.Logger) *Registry {
	if ctx == nil {
		ctx = context.Background()
	}
	cp := make(map[string]Config, len(configs))
	for k, v := range configs {
		cp[k] = v
	}
	return &Registry{
		configs:  cp,
		fallback: Config{Concurrency: 1},
		queues:   make(map[string]*Queue),
		base:     ctx,
		logger:   logger,
	}
}

// ConfigsFrom converts the environment-derived queue settings.
func ConfigsFrom(cfg *infra.Config) map[string]Config {
	out := make(map[string]Config, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		out[name] = Config{
			Concurrency: qc.Concurrency,
			Timeout:     qc.Timeout,
			MaxRetries:  qc.MaxRetries,
			RetryDelay:  qc.RetryDelay,
		}
	}
	return out
}

// Get returns the queue called name, creating it on first use.
func (r *Registry) Get(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.fallback
	}
	q := New(name, cfg,
		WithBaseContext(r.base),
		WithLogger(r.logger.With().Str("queue", name).Logger()),
	)
	r.queues[name] = q
	return q
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Pending     int    `json:"pending"`
	Paused      bool   `json:"paused"`
	Concurrency int    `json:"concurrency"`
}

// Stats reports every configured or created queue, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	names := make(map[string]struct{}, len(r.configs)+len(r.queues))
	for n := range r.configs {
		names[n] = struct{}{}
	}
	for n := range r.queues {
		names[n] = struct{}{}
	}
	r.mu.Unlock()

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]Stats, 0, len(sorted))
	for _, n := range sorted {
		q := r.Get(n)
		out = append(out, Stats{
			Name:        n,
			Size:        q.Size(),
			Pending:     q.Pending(),
			Paused:      q.Paused(),
			Concurrency: q.Config().Concurrency,
		})
	}
	return out
}

// Drain waits for every created queue to go idle.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	qs := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	r.mu.Unlock()
	for _, q := range qs {
		if err := q.OnIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}
