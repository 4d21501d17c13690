package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok", "store": a.Backend})
}

// QueueStats reports async queue depth.
func (a *App) QueueStats(w http.ResponseWriter, r *http.Request) {
	if a.Queues == nil {
		a.json(w, http.StatusOK, map[string]any{"queues": []any{}})
		return
	}
	a.json(w, http.StatusOK, map[string]any{"queues": a.Queues.Stats()})
}
