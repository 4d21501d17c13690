package jobs

import "imagejobs/internal/domain"

// Summary aggregates a scope's jobs by status.
type Summary struct {
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Done       bool `json:"done"`
}

// Summarize counts jobs per status. Done is true when nothing is waiting or
// running.
func Summarize(jobs []domain.Job) Summary {
	var s Summary
	for _, j := range jobs {
		s.Total++
		switch j.Status {
		case domain.JobStatusPending:
			s.Pending++
		case domain.JobStatusProcessing:
			s.Processing++
		case domain.JobStatusCompleted:
			s.Completed++
		case domain.JobStatusFailed:
			s.Failed++
		}
	}
	s.Done = s.Pending == 0 && s.Processing == 0
	return s
}
