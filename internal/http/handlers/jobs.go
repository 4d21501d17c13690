package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"imagejobs/internal/domain"
	"imagejobs/internal/driver"
	"imagejobs/internal/jobs"
	"imagejobs/internal/worker"
)

type enqueueRequest struct {
	ScopeID     string `json:"scope_id"`
	SubjectID   string `json:"subject_id"`
	Description string `json:"description"`
	Style       string `json:"style"`
	Priority    int    `json:"priority"`
}

type jobView struct {
	ID          string     `json:"id"`
	ScopeID     string     `json:"scope_id"`
	SubjectID   string     `json:"subject_id,omitempty"`
	Description string     `json:"description"`
	Style       string     `json:"style,omitempty"`
	FullPrompt  string     `json:"full_prompt,omitempty"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	ImageURLs   []string   `json:"image_urls"`
	HeroIndex   int        `json:"hero_index"`
	HeroURL     string     `json:"hero_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func viewJob(j domain.Job) jobView {
	urls := j.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	return jobView{
		ID:          j.ID,
		ScopeID:     j.ScopeID,
		SubjectID:   j.SubjectID,
		Description: j.Description,
		Style:       j.Style,
		FullPrompt:  j.FullPrompt,
		Status:      string(j.Status),
		Priority:    j.Priority,
		ImageURLs:   urls,
		HeroIndex:   j.HeroIndex,
		HeroURL:     j.HeroURL(),
		Error:       j.Error,
		RetryCount:  j.RetryCount,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

type scopeView struct {
	ScopeID string       `json:"scope_id"`
	Jobs    []jobView    `json:"jobs"`
	Summary jobs.Summary `json:"summary"`
}

func viewScope(scopeID string, list []domain.Job) scopeView {
	out := scopeView{ScopeID: scopeID, Jobs: make([]jobView, 0, len(list)), Summary: jobs.Summarize(list)}
	for _, j := range list {
		out.Jobs = append(out.Jobs, viewJob(j))
	}
	return out
}

func (a *App) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !a.decode(w, r, &req) {
		return
	}
	id, err := a.Jobs.EnqueueJob(r.Context(), req.ScopeID, req.SubjectID, req.Description, req.Style, req.Priority)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobStatusPending)})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(*job))
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := a.Jobs.RetryJob(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobStatusPending)})
}

// ArchiveJob downloads a completed job's images as a zip.
func (a *App) ArchiveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	data, err := a.Jobs.ArchiveJob(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+id+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type heroRequest struct {
	Index int `json:"index"`
}

func (a *App) SetHero(w http.ResponseWriter, r *http.Request) {
	var req heroRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "jobID")
	if err := a.Jobs.SetHero(r.Context(), id, req.Index); err != nil {
		a.fail(w, r, err)
		return
	}
	job, err := a.Jobs.GetJob(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewJob(*job))
}

func (a *App) ListScopeJobs(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	list, err := a.Jobs.JobsForScope(r.Context(), scopeID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewScope(scopeID, list))
}

func (a *App) CancelScope(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "scopeID")
	n, err := a.Jobs.CancelPendingForScope(r.Context(), scopeID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"scope_id": scopeID, "cancelled": n})
}

type driveRequest struct {
	MaxJobs int `json:"max_jobs"`
}

type cycleView struct {
	Outcome string `json:"outcome"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
	WaitMS  int64  `json:"wait_ms,omitempty"`
}

func viewCycle(res worker.Result) cycleView {
	out := cycleView{Outcome: string(res.Outcome), JobID: res.JobID, WaitMS: res.Wait.Milliseconds()}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// Drive runs the queue driver. max_jobs 0 runs a single cycle.
func (a *App) Drive(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.MaxJobs < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "max_jobs must not be negative")
		return
	}
	if req.MaxJobs == 0 {
		res, err := a.Jobs.DriveOnce(r.Context())
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.json(w, http.StatusOK, map[string]any{"cycles": []cycleView{viewCycle(res)}})
		return
	}
	summary, err := a.Jobs.DriveContinuous(r.Context(), req.MaxJobs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, viewSummary(summary))
}

func viewSummary(s driver.Summary) map[string]any {
	cycles := make([]cycleView, 0, len(s.Cycles))
	for _, c := range s.Cycles {
		cycles = append(cycles, viewCycle(c))
	}
	return map[string]any{
		"cycles":    cycles,
		"processed": s.Processed(),
		"stop":      string(s.Reason),
	}
}
