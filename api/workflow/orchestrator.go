// Package workflow runs a Workflow against one freshly provisioned
// environment and guarantees the environment is torn down afterwards.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"skiff/api/browser"
	"skiff/api/fault"
	"skiff/api/hub"
	"skiff/api/model"
	"skiff/api/probe"
	"skiff/api/runtime"
	"skiff/api/saga"
	"skiff/api/sandbox"
	"skiff/api/storage"
	"skiff/api/store"
	"skiff/api/validate"
)

type Phase string

const (
	PhaseCreated      Phase = "created"
	PhaseProvisioning Phase = "provisioning"
	PhaseReady        Phase = "ready"
	PhaseRunning      Phase = "running"
	PhaseCollecting   Phase = "collecting"
	PhaseCleaning     Phase = "cleaning"
	PhaseTerminated   Phase = "terminated"
)

const DefaultCleanupTimeout = 30 * time.Second

type Orchestrator struct {
	rt          runtime.Runtime
	Provisioner *sandbox.Provisioner
	Executor    *sandbox.Executor
	SagaStore   saga.Store

	// Optional collaborators. A nil value disables the feature.
	WS      hub.Publisher
	Runs    store.RunStore
	Archive storage.Archive
	Browser browser.Checker

	// Host is where host-mapped ports are reachable from this process.
	Host           string
	CleanupTimeout time.Duration
	// StepTimeout replaces the built-in default for steps without a timeout.
	StepTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // every run in flight, sync or async
	closing bool
	wg      sync.WaitGroup
}

func New(rt runtime.Runtime) *Orchestrator {
	return &Orchestrator{
		rt:             rt,
		Provisioner:    sandbox.NewProvisioner(rt),
		Executor:       sandbox.NewExecutor(rt),
		SagaStore:      saga.NewMemoryStore(),
		Host:           "127.0.0.1",
		CleanupTimeout: DefaultCleanupTimeout,
		cancels:        map[string]context.CancelFunc{},
	}
}

// run is the state of one workflow execution. It is owned by a single
// goroutine from begin to finish.
type run struct {
	wf    model.Workflow
	sg    *saga.Saga
	res   *model.WorkflowResult
	env   *model.Environment
	phase Phase
}

// Run executes wf synchronously and returns its result. It never returns
// nil and never leaves the environment behind unless wf.KeepEnvironment is
// set and the run was not cancelled.
func (o *Orchestrator) Run(ctx context.Context, wf model.Workflow) *model.WorkflowResult {
	r := o.begin(ctx, wf)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.track(r.res.RunID, cancel) {
		defer o.untrack(r.res.RunID)
	} else {
		cancel()
	}
	o.execute(rctx, r)
	return r.res
}

// Start validates wf and runs it in the background. The returned ID
// identifies the run in the run store, the saga log and hub events.
func (o *Orchestrator) Start(ctx context.Context, wf model.Workflow) (string, error) {
	if err := o.validate(wf); err != nil {
		return "", err
	}
	r := o.begin(ctx, wf)
	id := r.res.RunID
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !o.track(id, cancel) {
		cancel()
	}

	go func() {
		defer func() {
			o.untrack(id)
			cancel()
		}()
		o.execute(rctx, r)
	}()
	return id, nil
}

// track registers a run so Cancel, Running and Shutdown can see it. It
// reports false once Shutdown has begun.
func (o *Orchestrator) track(id string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.cancels[id] = cancel
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.cancels[id]; ok {
		delete(o.cancels, id)
		o.wg.Done()
	}
}

// Cancel stops a run in flight. Remaining steps are skipped and the
// environment is still torn down. It reports false for unknown or finished
// runs.
func (o *Orchestrator) Cancel(runID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether runID is in flight. Environments labelled with
// a running run belong to it and must not be touched by anyone else.
func (o *Orchestrator) Running(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancels[runID]
	return ok
}

// Active returns the number of runs in flight.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Shutdown cancels every run in flight and waits until their teardown has
// finished or ctx ends. Runs submitted afterwards are cancelled before they
// provision anything.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	n := len(o.cancels)
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	if n > 0 {
		log.Printf("workflow: cancelling %d run(s) for shutdown", n)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d run(s) to tear down: %w", o.Active(), ctx.Err())
	}
}

func (o *Orchestrator) begin(ctx context.Context, wf model.Workflow) *run {
	if wf.Name == "" {
		wf.Name = "workflow"
	}
	sg := saga.New(o.SagaStore, wf.Name, "orchestrator", "workflow")
	r := &run{
		wf:    wf,
		sg:    sg,
		phase: PhaseCreated,
		res: &model.WorkflowResult{
			RunID:       sg.ID,
			Workflow:    wf.Name,
			Status:      model.RunRunning,
			StepOutputs: []model.StepOutput{},
			Artifacts:   map[string][]byte{},
			StartedAt:   time.Now(),
		},
	}
	if o.Runs != nil {
		if err := o.Runs.InsertRun(context.WithoutCancel(ctx), model.NewRun(r.res, nil)); err != nil {
			log.Printf("workflow: insert run %s: %v", r.res.RunID, err)
		}
	}
	sg.Log(context.WithoutCancel(ctx), "run.start", fmt.Sprintf("run %s of %s", sg.ID, wf.Name), nil)
	return r
}

func (o *Orchestrator) validate(wf model.Workflow) error {
	v := validate.Validator{BrowserAvailable: o.Browser != nil}
	return v.Validate(&wf).Err("workflow " + wf.Name)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	bg := context.WithoutCancel(ctx)
	defer func() {
		panicked := false
		if p := recover(); p != nil {
			panicked = true
			log.Printf("workflow: run %s panicked: %v", r.res.RunID, p)
			r.fail("", fault.Newf(fault.Execution, "workflow", "internal error: %v", p))
		}
		o.cleanup(bg, r, ctx.Err() != nil || panicked)
		o.finish(bg, r)
	}()

	if err := o.validate(r.wf); err != nil {
		r.fail("", err)
		return
	}

	if ctx.Err() != nil {
		r.cancelled("", ctx.Err())
		return
	}

	o.enter(bg, r, PhaseProvisioning)
	env, err := o.Provisioner.CreateLabeled(ctx, r.wf.Descriptor, map[string]string{runtime.LabelRun: r.res.RunID})
	if err != nil {
		r.fail("", err)
		return
	}
	r.env = env
	r.res.EnvironmentID = env.ID
	r.res.HostPort = env.HostPort
	r.sg.Log(bg, "env.created", "created "+env.Name, map[string]string{"environment": env.ID, "hostPort": strconv.Itoa(env.HostPort)})
	o.broadcast(r, "env.created", map[string]string{"environment": env.ID, "name": env.Name})

	if r.wf.VerifyRunning {
		up, err := o.Provisioner.VerifyRunning(ctx, env)
		if err != nil {
			r.fail("", err)
			return
		}
		if !up {
			r.fail("", fault.Newf(fault.Provision, "verify "+env.Name, "environment is not running"))
			return
		}
		r.res.HostPort = env.HostPort
	}
	if err := o.inject(ctx, bg, r); err != nil {
		if ctx.Err() != nil {
			r.cancelled("", ctx.Err())
		} else {
			r.fail("", err)
		}
		return
	}
	o.enter(bg, r, PhaseReady)

	for i, step := range r.wf.Steps {
		if ctx.Err() != nil {
			r.cancelled(step.Name, ctx.Err())
			return
		}
		r.phase = PhaseRunning
		r.sg.Phase(bg, fmt.Sprintf("%s(%d)", PhaseRunning, i))

		out, err := o.runStep(ctx, bg, r, step)
		r.res.StepOutputs = append(r.res.StepOutputs, out)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			r.cancelled(step.Name, err)
			return
		}
		if step.Policy() == model.OnFailureContinue {
			log.Printf("workflow: run %s: step %s failed, continuing: %v", r.res.RunID, step.Name, err)
			continue
		}
		r.fail(step.Name, err)
		break
	}

	o.enter(bg, r, PhaseCollecting)
	o.collect(ctx, bg, r)
}

// runStep gates and executes one step, retrying once when the step asks for
// it. The returned output always carries the step name and attempt count.
func (o *Orchestrator) runStep(ctx, bg context.Context, r *run, step model.Step) (model.StepOutput, error) {
	attempts := 1
	if step.Policy() == model.OnFailureRetryOnce {
		attempts = 2
	}
	r.sg.StepStart(bg, step.Name)
	o.broadcast(r, "run.step", map[string]string{"step": step.Name, "status": "running"})

	var out model.StepOutput
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = o.attempt(ctx, r, step)
		out.Attempts = attempt
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			log.Printf("workflow: run %s: step %s failed, retrying: %v", r.res.RunID, step.Name, err)
		}
	}

	if err != nil {
		out.Error = err.Error()
		r.sg.StepFailed(bg, step.Name, err)
		o.broadcast(r, "run.step", map[string]string{"step": step.Name, "status": "failed", "error": err.Error()})
		return out, err
	}
	r.sg.StepComplete(bg, step.Name, out.DurationMs)
	o.broadcast(r, "run.step", map[string]string{"step": step.Name, "status": "complete"})
	return out, nil
}

func (o *Orchestrator) attempt(ctx context.Context, r *run, step model.Step) (model.StepOutput, error) {
	out := model.StepOutput{Name: step.Name, ExitCode: -1}
	start := time.Now()
	if g := step.WaitFor; g != nil {
		if err := o.gate(ctx, r, *g); err != nil {
			out.DurationMs = time.Since(start).Milliseconds()
			return out, err
		}
	}
	timeout := step.TimeoutOrDefault()
	if step.Timeout <= 0 && o.StepTimeout > 0 {
		timeout = o.StepTimeout
	}
	res, err := o.Executor.Exec(ctx, r.env, step.Command, sandbox.ExecOptions{
		Timeout: timeout,
		WorkDir: step.WorkDir,
		Env:     step.Env,
		Detach:  step.Detach,
	})
	out.ExitCode = res.ExitCode
	out.Stdout = res.Stdout
	out.Stderr = res.Stderr
	out.DurationMs = time.Since(start).Milliseconds()
	return out, err
}

func (o *Orchestrator) gate(ctx context.Context, r *run, g model.Gate) error {
	timeout, interval := g.TimeoutOrDefault(), g.IntervalOrDefault()
	if g.Port > 0 {
		hostPort := r.env.HostPort
		if hostPort == 0 {
			return fault.Newf(fault.Validation, "gate", "port %d is not published", g.Port)
		}
		if !probe.WaitForPort(ctx, o.Host, hostPort, timeout, interval) {
			return fault.Newf(fault.TimedOut, "gate", "port %d (host %d) not ready after %s", g.Port, hostPort, timeout)
		}
		return nil
	}
	if !probe.WaitForCommand(ctx, o.Executor, r.env, g.Command, timeout, interval) {
		return fault.Newf(fault.TimedOut, "gate", "%s not ready after %s", sandbox.CommandLine(g.Command), timeout)
	}
	return nil
}

// inject writes the workflow inputs into the fresh environment.
func (o *Orchestrator) inject(ctx, bg context.Context, r *run) error {
	for _, in := range r.wf.Inputs {
		data, err := in.Data()
		if err != nil {
			return fault.Wrap(fault.Validation, "input "+in.Path, err)
		}
		if err := o.rt.CopyTo(ctx, r.env.ID, in.Path, data); err != nil {
			return fault.Wrap(fault.Provision, "input "+in.Path, err)
		}
		r.sg.Log(bg, "env.input", fmt.Sprintf("wrote %s (%d bytes)", in.Path, len(data)), map[string]string{"path": in.Path})
	}
	return nil
}

// collect pulls declared artifacts and runs the browser check. A missing
// artifact fails a run that was otherwise successful.
func (o *Orchestrator) collect(ctx, bg context.Context, r *run) {
	for _, a := range r.wf.Artifacts {
		var err error
		if a.Dir {
			var files map[string][]byte
			files, err = o.rt.CopyTreeFrom(ctx, r.env.ID, a.Path)
			for rel, data := range files {
				r.res.Artifacts[a.Name+"/"+rel] = data
			}
		} else {
			var data []byte
			data, err = o.rt.CopyFrom(ctx, r.env.ID, a.Path)
			if err == nil {
				r.res.Artifacts[a.Name] = data
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			r.cancelled("", ctx.Err())
			return
		}
		if r.res.Status != model.RunRunning {
			log.Printf("workflow: run %s: artifact %s not collected: %v", r.res.RunID, a.Name, err)
			continue
		}
		if errors.Is(err, runtime.ErrNotFound) {
			r.fail("", fault.Newf(fault.ArtifactMissing, "collect", "artifact %s: %s does not exist", a.Name, a.Path))
		} else {
			r.fail("", fault.Wrap(fault.ArtifactMissing, "collect "+a.Name, err))
		}
	}
	if bc := r.wf.BrowserCheck; bc != nil && r.res.Status == model.RunRunning {
		o.browserCheck(ctx, bg, r, *bc)
	}
}

func (o *Orchestrator) browserCheck(ctx, bg context.Context, r *run, bc model.BrowserCheck) {
	url := fmt.Sprintf("http://%s:%d%s", o.Host, r.res.HostPort, bc.Path)
	r.sg.StepStart(bg, "browser")
	rep, err := o.Browser.Check(ctx, url, bc)
	if err == nil {
		var files map[string][]byte
		files, err = rep.Artifacts()
		for name, data := range files {
			r.res.Artifacts[name] = data
		}
	}
	if err != nil {
		r.sg.StepFailed(bg, "browser", err)
		r.fail("browser", fault.Wrap(fault.Execution, "browser check "+url, err))
		return
	}
	r.sg.StepComplete(bg, "browser", rep.DurationMs)
}

func (o *Orchestrator) cleanup(bg context.Context, r *run, interrupted bool) {
	if r.env == nil {
		return
	}
	o.enter(bg, r, PhaseCleaning)
	if r.wf.KeepEnvironment && !interrupted {
		r.res.Kept = true
		r.sg.Log(bg, "env.kept", "keeping "+r.env.Name, map[string]string{"environment": r.env.ID})
		return
	}
	timeout := o.CleanupTimeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	cctx, cancel := context.WithTimeout(bg, timeout)
	defer cancel()
	warnings := o.Provisioner.Teardown(cctx, r.env)
	r.res.Warnings = append(r.res.Warnings, warnings...)
	r.sg.Log(bg, "env.removed", "removed "+r.env.Name, map[string]string{"environment": r.env.ID, "warnings": strconv.Itoa(len(warnings))})
	o.broadcast(r, "env.removed", map[string]string{"environment": r.env.ID})
}

// finish settles the final status, archives artifacts and records the run.
func (o *Orchestrator) finish(bg context.Context, r *run) {
	res := r.res
	if res.Status == model.RunRunning {
		res.Status = model.RunSuccess
	}
	now := time.Now()
	res.FinishedAt = &now
	r.phase = PhaseTerminated

	if res.Status == model.RunSuccess {
		r.sg.Log(bg, "run.completed", fmt.Sprintf("%s succeeded", res.Workflow), nil)
	} else {
		r.sg.Log(bg, "run.failed", fmt.Sprintf("%s %s: %s", res.Workflow, res.Status, res.Message), map[string]string{
			"status": string(res.Status),
			"step":   res.FailedStep,
		})
	}

	keys := o.archive(bg, res)
	persisted := model.NewRun(res, keys)
	if o.Runs != nil {
		if err := o.Runs.UpdateRun(bg, persisted); err != nil {
			log.Printf("workflow: update run %s: %v", res.RunID, err)
		}
	}
	if res.Status == model.RunSuccess {
		o.broadcast(r, "run.completed", persisted)
	} else {
		o.broadcast(r, "run.failed", persisted)
	}
	log.Printf("workflow: run %s (%s) %s in %s", res.RunID, res.Workflow, res.Status, now.Sub(res.StartedAt).Round(time.Millisecond))
}

func (o *Orchestrator) archive(bg context.Context, res *model.WorkflowResult) map[string]string {
	if o.Archive == nil || len(res.Artifacts) == 0 {
		return nil
	}
	keys := make(map[string]string, len(res.Artifacts))
	for name, data := range res.Artifacts {
		key := storage.ArtifactKey(res.RunID, name)
		if err := o.Archive.Put(bg, key, data); err != nil {
			log.Printf("workflow: archive %s: %v", key, err)
			continue
		}
		keys[name] = key
	}
	return keys
}

func (o *Orchestrator) enter(bg context.Context, r *run, p Phase) {
	r.phase = p
	r.sg.Phase(bg, string(p))
	o.broadcast(r, "run.phase", map[string]string{"phase": string(p)})
}

func (o *Orchestrator) broadcast(r *run, typ string, payload any) {
	if o.WS == nil {
		return
	}
	o.WS.Broadcast(hub.Event{Type: typ, RunID: r.res.RunID, Payload: payload})
}

// fail records the first failure of the run. Later failures only log.
func (r *run) fail(step string, err error) {
	if r.res.Status != model.RunRunning {
		log.Printf("workflow: run %s: additional failure: %v", r.res.RunID, err)
		return
	}
	r.res.Status = model.RunFailed
	if fault.KindOf(err) == fault.TimedOut {
		r.res.Status = model.RunTimedOut
	}
	r.res.FailedStep = step
	r.res.Message = err.Error()
	r.res.ErrorKind = string(fault.KindOf(err))
}

func (r *run) cancelled(step string, err error) {
	if r.res.Status != model.RunRunning {
		return
	}
	r.res.Status = model.RunFailed
	r.res.FailedStep = step
	r.res.Message = "cancelled: " + err.Error()
	r.res.ErrorKind = ""
}
