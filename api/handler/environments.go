package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"skiff/api/fault"
	"skiff/api/hub"
	"skiff/api/model"
	"skiff/api/runtime"
	"skiff/api/sandbox"
)

type environmentView struct {
	*model.Environment
	Running bool        `json:"running"`
	Ports   map[int]int `json:"ports,omitempty"`
}

// ListEnvironments shows every managed container the runtime knows about.
func (h *Handler) ListEnvironments(w http.ResponseWriter, r *http.Request) {
	list, err := h.rt.List(r.Context(), map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		writeError(w, fault.Wrap(fault.Provision, "list", err))
		return
	}
	if list == nil {
		list = []runtime.Summary{}
	}
	writeJSON(w, list)
}

func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var d model.Descriptor
	if err := decodeJSON(r, &d); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	env, err := h.prov.Create(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.ws != nil {
		h.ws.Broadcast(hub.Event{Type: "env.created", Payload: map[string]string{"environment": env.ID, "name": env.Name}})
	}
	writeStatus(w, http.StatusCreated, env)
}

// envRef is a managed container found through the runtime, with its
// published ports and the run that owns it, if any.
type envRef struct {
	env   *model.Environment
	ports map[int]int
	run   string
}

// lookupEnv resolves a managed container by id, id prefix or name. The
// runtime is the only record of environments created through the API.
func (h *Handler) lookupEnv(ctx context.Context, ref string) (*envRef, error) {
	list, err := h.rt.List(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		return nil, fault.Wrap(fault.Provision, "list", err)
	}
	for _, c := range list {
		if c.ID != ref && c.Name != ref && !(len(ref) >= 12 && strings.HasPrefix(c.ID, ref)) {
			continue
		}
		env := &model.Environment{
			ID:        c.ID,
			Name:      c.Name,
			State:     model.EnvCreated,
			CreatedAt: c.CreatedAt,
		}
		env.Descriptor.Family, _ = model.ParseFamily(c.Labels[runtime.LabelFamily])
		st, err := h.rt.Inspect(ctx, c.ID)
		if err != nil {
			return nil, fault.Wrap(fault.Provision, "inspect "+c.Name, err)
		}
		if st.Running {
			env.State = model.EnvRunning
		}
		if port := primaryPort(c.Labels[runtime.LabelPort], st.HostPorts); port > 0 {
			env.Descriptor.ExposedPort = port
			env.HostPort = st.HostPorts[port]
		}
		return &envRef{env: env, ports: st.HostPorts, run: c.Labels[runtime.LabelRun]}, nil
	}
	return nil, nil
}

// primaryPort picks the declared port when it is published, otherwise the
// lowest published container port.
func primaryPort(label string, ports map[int]int) int {
	if p, err := strconv.Atoi(label); err == nil {
		if _, ok := ports[p]; ok {
			return p
		}
	}
	lowest := 0
	for p := range ports {
		if lowest == 0 || p < lowest {
			lowest = p
		}
	}
	return lowest
}

// busy answers 409 when the environment belongs to a run in flight.
func (h *Handler) busy(w http.ResponseWriter, ref *envRef) bool {
	if ref.run == "" || h.orch == nil || !h.orch.Running(ref.run) {
		return false
	}
	writeStatus(w, http.StatusConflict, errorBody{Error: "environment " + ref.env.Name + " is in use by run " + ref.run})
	return true
}

func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	ref, err := h.lookupEnv(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ref == nil {
		notFound(w, "environment not found")
		return
	}
	running, err := h.prov.VerifyRunning(r.Context(), ref.env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, environmentView{Environment: ref.env, Running: running, Ports: ref.ports})
}

type ExecRequest struct {
	Command []string          `json:"command"`
	Timeout model.Duration    `json:"timeout,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Detach  bool              `json:"detach,omitempty"`
}

type ExecResponse struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// ExecEnvironment runs an argv in the environment. A non-zero exit is a
// normal response carrying the exit code; timeouts answer 504 with the
// partial output.
func (h *Handler) ExecEnvironment(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkDir != "" && !strings.HasPrefix(req.WorkDir, "/") {
		badRequest(w, "workdir must be absolute")
		return
	}
	ref, err := h.lookupEnv(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ref == nil {
		notFound(w, "environment not found")
		return
	}
	if h.busy(w, ref) {
		return
	}
	out, err := h.exec.Exec(r.Context(), ref.env, req.Command, sandbox.ExecOptions{
		Timeout: req.Timeout.D(),
		WorkDir: req.WorkDir,
		Env:     req.Env,
		Detach:  req.Detach,
	})
	resp := ExecResponse{ExitCode: out.ExitCode, Stdout: out.Stdout, Stderr: out.Stderr, DurationMs: out.Duration.Milliseconds()}
	switch {
	case err == nil:
		writeJSON(w, resp)
	case fault.KindOf(err) == fault.Execution && out.ExitCode != 0:
		resp.Error = err.Error()
		writeJSON(w, resp)
	default:
		writeError(w, err)
	}
}

func (h *Handler) TeardownEnvironment(w http.ResponseWriter, r *http.Request) {
	ref, err := h.lookupEnv(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ref == nil {
		// Already gone; teardown is idempotent.
		writeJSON(w, map[string]interface{}{"removed": false, "warnings": []string{}})
		return
	}
	if h.busy(w, ref) {
		return
	}
	env := ref.env
	warnings := h.prov.Teardown(r.Context(), env)
	if warnings == nil {
		warnings = []string{}
	}
	if h.ws != nil {
		h.ws.Broadcast(hub.Event{Type: "env.removed", Payload: map[string]string{"environment": env.ID}})
	}
	writeJSON(w, map[string]interface{}{"removed": env.Removed(), "warnings": warnings})
}
