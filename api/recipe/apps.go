package recipe

import (
	"strconv"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

// NodeApp clones a node project, installs it and starts it in the
// background, gating on the exposed port.
func NodeApp(repo string, o Options) (*model.Workflow, error) {
	pm := o.PackageManager
	if pm == "" {
		pm = "npm"
	}
	if pm != "npm" && pm != "yarn" {
		return nil, fault.Newf(fault.Validation, "recipe node", "invalid package manager %q: must be npm or yarn", pm)
	}
	steps, dir, err := cloneSteps(repo)
	if err != nil {
		return nil, err
	}
	port := o.port(3000)
	env := withPort(o.Env, port)

	if pm == "yarn" {
		steps = append(steps, model.Step{Name: "install-yarn", Command: sandbox.Shell("command -v yarn >/dev/null 2>&1 || npm install -g yarn"), Timeout: model.Duration(installTimeout)})
	}
	steps = append(steps, model.Step{Name: "install", Command: []string{pm, "install"}, WorkDir: dir, Timeout: model.Duration(installTimeout)})
	if len(o.Build) > 0 {
		steps = append(steps, model.Step{Name: "build", Command: o.Build, WorkDir: dir, Env: env, Timeout: model.Duration(buildTimeout)})
	}
	start := o.Start
	if len(start) == 0 {
		start = []string{pm, "start"}
	}
	steps = append(steps,
		model.Step{Name: "start", Command: start, WorkDir: dir, Env: env, Detach: true},
		model.Step{Name: "ready", Command: []string{"true"}, WaitFor: portGate(port)},
	)
	return &model.Workflow{
		Name: workflowName("node", repo),
		Descriptor: model.Descriptor{
			BaseImage:   o.image("node:20-alpine"),
			ExposedPort: port,
			HostPort:    o.HostPort,
			Family:      model.FamilyNode,
			Env:         o.Env,
		},
		Steps:           steps,
		KeepEnvironment: o.Keep,
		VerifyRunning:   true,
	}, nil
}

// PythonApp clones a python project, installs requirements.txt or
// pyproject.toml and starts app.py, main.py or run.py.
func PythonApp(repo string, o Options) (*model.Workflow, error) {
	steps, dir, err := cloneSteps(repo)
	if err != nil {
		return nil, err
	}
	port := o.port(8000)
	env := withPort(o.Env, port)
	steps = append(steps, model.Step{
		Name: "install",
		Command: sandbox.Shell(
			"if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; elif [ -f pyproject.toml ]; then pip install --no-cache-dir .; else echo 'no requirements.txt or pyproject.toml'; fi",
		),
		WorkDir: dir,
		Timeout: model.Duration(installTimeout),
	})
	start := o.Start
	if len(start) == 0 {
		p := strconv.Itoa(port)
		start = sandbox.Shell("for f in app.py main.py run.py; do if [ -f \"$f\" ]; then exec python \"$f\" --port " + p + "; fi; done; echo 'no app.py, main.py or run.py' >&2; exit 1")
	}
	steps = append(steps,
		model.Step{Name: "start", Command: start, WorkDir: dir, Env: env, Detach: true},
		model.Step{Name: "ready", Command: []string{"true"}, WaitFor: portGate(port)},
	)
	return &model.Workflow{
		Name: workflowName("python", repo),
		Descriptor: model.Descriptor{
			BaseImage:   o.image("python:3.13-slim"),
			ExposedPort: port,
			HostPort:    o.HostPort,
			Family:      model.FamilyPython,
			Env:         o.Env,
		},
		Steps:           steps,
		KeepEnvironment: o.Keep,
		VerifyRunning:   true,
	}, nil
}

// FastAPI prepares an empty python sandbox with fastapi and uvicorn
// installed and /app created. The environment is kept by default since
// nothing runs in it yet.
func FastAPI(o Options) (*model.Workflow, error) {
	return &model.Workflow{
		Name: "fastapi",
		Descriptor: model.Descriptor{
			BaseImage:   o.image("python:3.13-slim"),
			ExposedPort: o.port(8000),
			HostPort:    o.HostPort,
			Family:      model.FamilyPython,
			Env:         o.Env,
		},
		Steps: []model.Step{
			{Name: "install", Command: []string{"pip", "install", "--no-cache-dir", "fastapi", "uvicorn[standard]"}, Timeout: model.Duration(installTimeout)},
			{Name: "mkdir", Command: []string{"mkdir", "-p", appRoot}, Timeout: model.Duration(10 * time.Second)},
		},
		KeepEnvironment: true,
		VerifyRunning:   true,
	}, nil
}
