package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"imagejobs/internal/http/handlers"
	"imagejobs/internal/middleware"
)

type Options struct {
	Logger             zerolog.Logger
	RateLimitPerMin    int
	CORSAllowedOrigins []string
	// StaticDir is served under /static when set.
	StaticDir string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSAllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	if opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

		r.Get("/v1/queues", app.QueueStats)
		r.Post("/v1/drive", app.Drive)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.EnqueueJob)
			r.Get("/{jobID}", app.GetJob)
			r.Post("/{jobID}/retry", app.RetryJob)
			r.Put("/{jobID}/hero", app.SetHero)
			r.Get("/{jobID}/archive", app.ArchiveJob)
		})

		r.Route("/v1/scopes/{scopeID}", func(r chi.Router) {
			r.Get("/jobs", app.ListScopeJobs)
			r.Get("/jobs/stream", app.StreamScopeJobs)
			r.Post("/cancel", app.CancelScope)
		})
	})

	return r
}
