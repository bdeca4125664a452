package handler

import (
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"skiff/api/model"
	"skiff/api/saga"
	"skiff/api/store"
)

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	runs, total, err := h.runs.ListRuns(r.Context(), store.RunFilter{
		Workflow: q.Get("workflow"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, map[string]interface{}{"runs": runs, "total": total})
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		notFound(w, "run not found")
		return
	}
	writeJSON(w, run)
}

// CancelRun stops an asynchronous run. Its environment is still torn down.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if !h.orch.Cancel(chi.URLParam(r, "id")) {
		notFound(w, "no active run with that id")
		return
	}
	writeStatus(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "artifact archive is not configured", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	name, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || name == "" {
		notFound(w, "artifact not archived")
		return
	}
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		notFound(w, "run not found")
		return
	}
	var key string
	for _, a := range run.Artifacts {
		if a.Name == name {
			key = a.Key
		}
	}
	if key == "" {
		notFound(w, "artifact not archived")
		return
	}
	data, err := h.archive.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	switch path.Ext(name) {
	case ".png":
		w.Header().Set("Content-Type", "image/png")
	case ".json":
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Write(data)
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sagaId")
	var events []saga.Event
	var err error
	if step := r.URL.Query().Get("step"); step != "" {
		events, err = h.sagas.ListByStep(r.Context(), id, step)
	} else {
		events, err = h.sagas.ListBySaga(r.Context(), id)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(saga.Format(events)))
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}

func (h *Handler) ListSagaEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []saga.Event
	var err error
	if wf := r.URL.Query().Get("workflow"); wf != "" {
		events, err = h.sagas.ListByWorkflow(r.Context(), wf, limit)
	} else {
		events, err = h.sagas.ListRecent(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}
