package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/recipe"
	"skiff/api/validate"
)

// RunWorkflow runs a workflow to completion and returns its result, or
// with ?async=true starts it and returns the run id.
func (h *Handler) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := decodeWorkflow(r)
	if err != nil {
		badRequest(w, "invalid workflow: "+err.Error())
		return
	}
	h.run(w, r, *wf)
}

// ValidateWorkflow lints a workflow without running it.
func (h *Handler) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := decodeWorkflow(r)
	if err != nil {
		badRequest(w, "invalid workflow: "+err.Error())
		return
	}
	v := validate.Validator{PortFree: h.prov.PortFree, BrowserAvailable: h.orch.Browser != nil}
	writeJSON(w, v.Validate(wf))
}

type RecipeRequest struct {
	Repo    string         `json:"repo,omitempty"`
	Options recipe.Options `json:"options"`
}

func (h *Handler) ListRecipes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, recipe.Names())
}

// RunRecipe builds the named recipe and runs it like RunWorkflow.
// ?dryRun=true returns the generated workflow without running it.
func (h *Handler) RunRecipe(w http.ResponseWriter, r *http.Request) {
	var req RecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	wf, err := recipe.Build(chi.URLParam(r, "name"), req.Repo, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("dryRun") == "true" {
		writeJSON(w, wf)
		return
	}
	h.run(w, r, *wf)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, wf model.Workflow) {
	if r.URL.Query().Get("async") == "true" {
		id, err := h.orch.Start(r.Context(), wf)
		if err != nil {
			writeError(w, err)
			return
		}
		writeStatus(w, http.StatusAccepted, map[string]string{"runId": id, "status": string(model.RunRunning)})
		return
	}
	res := h.orch.Run(r.Context(), wf)
	if res.ErrorKind == string(fault.Validation) {
		writeStatus(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, res)
}
