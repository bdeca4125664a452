package handler

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"skiff/api/hub"
	"skiff/api/janitor"
	"skiff/api/runtime"
	"skiff/api/saga"
	"skiff/api/sandbox"
	"skiff/api/storage"
	"skiff/api/store"
	"skiff/api/workflow"
)

var validIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// HealthCheck probes one dependency. A nil Check reports "unknown".
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Runtime      runtime.Runtime
	Orchestrator *workflow.Orchestrator
	Runs         store.RunStore
	Sagas        saga.Store
	Archive      storage.Archive
	Janitor      *janitor.Janitor
	WS           *hub.Hub
	Checks       []HealthCheck
	Version      string
}

type Handler struct {
	rt       runtime.Runtime
	prov     *sandbox.Provisioner
	exec     *sandbox.Executor
	orch     *workflow.Orchestrator
	runs     store.RunStore
	sagas    saga.Store
	archive  storage.Archive
	janitor  *janitor.Janitor
	ws       *hub.Hub
	checks   []HealthCheck
	version  string
	outbound *http.Client
}

func New(d Deps) *Handler {
	return &Handler{
		rt:       d.Runtime,
		prov:     d.Orchestrator.Provisioner,
		exec:     d.Orchestrator.Executor,
		orch:     d.Orchestrator,
		runs:     d.Runs,
		sagas:    d.Sagas,
		archive:  d.Archive,
		janitor:  d.Janitor,
		ws:       d.WS,
		checks:   d.Checks,
		version:  d.Version,
		outbound: &http.Client{Timeout: 60 * time.Second},
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)

	r.Route("/environments", func(r chi.Router) {
		r.Get("/", h.ListEnvironments)
		r.Post("/", h.CreateEnvironment)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(ValidateID)
			r.Get("/", h.GetEnvironment)
			r.Post("/exec", h.ExecEnvironment)
			r.Delete("/", h.TeardownEnvironment)
		})
	})

	r.Post("/workflows/run", h.RunWorkflow)
	r.Post("/workflows/validate", h.ValidateWorkflow)
	r.Get("/recipes", h.ListRecipes)
	r.Post("/recipes/{name}", h.RunRecipe)

	r.Get("/runs", h.ListRuns)
	r.Route("/runs/{id}", func(r chi.Router) {
		r.Use(ValidateID)
		r.Get("/", h.GetRun)
		r.Delete("/", h.CancelRun)
		r.Get("/artifacts/*", h.GetArtifact)
	})

	r.Get("/saga", h.ListSagaEvents)
	r.Get("/saga/{sagaId}", h.GetSaga)

	r.Post("/query/mysql", h.QueryMySQL)
	r.Post("/query/mongo", h.QueryMongo)
	r.Post("/http", h.OutboundHTTP)

	r.Get("/janitor", h.JanitorStatus)
	r.Post("/janitor/sweep", h.JanitorSweep)
}

// ValidateID rejects path ids that cannot name a container or run.
func ValidateID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != "" && !validIDRe.MatchString(id) {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}
