package handler

import (
	"context"
	"net/http"
	"time"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down, unknown
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make([]ServiceHealth, 0, len(h.checks))
	status := "healthy"
	for _, c := range h.checks {
		s := ServiceHealth{Name: c.Name, Status: "up"}
		switch {
		case c.Check == nil:
			s.Status = "unknown"
			s.Details = "not configured"
		default:
			if err := c.Check(ctx); err != nil {
				s.Status = "down"
				s.Details = err.Error()
				status = "degraded"
			}
		}
		services = append(services, s)
	}

	resp := map[string]interface{}{
		"status":     status,
		"services":   services,
		"activeRuns": h.orch.Active(),
	}
	if h.ws != nil {
		resp["wsClients"] = h.ws.Clients()
	}
	writeJSON(w, resp)
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.version})
}

func (h *Handler) JanitorStatus(w http.ResponseWriter, r *http.Request) {
	if h.janitor == nil {
		http.Error(w, "janitor is not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, h.janitor.Status())
}

func (h *Handler) JanitorSweep(w http.ResponseWriter, r *http.Request) {
	if h.janitor == nil {
		http.Error(w, "janitor is not running", http.StatusServiceUnavailable)
		return
	}
	res, err := h.janitor.Sweep(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}
