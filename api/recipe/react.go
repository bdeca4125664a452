package recipe

import (
	"strconv"
	"time"

	"skiff/api/model"
	"skiff/api/sandbox"
)

// ReactContest clones a React project, builds it when it has a build
// script, serves it on the exposed port and then hands it to the browser
// check for structural analysis and screenshots.
func ReactContest(repo string, o Options) (*model.Workflow, error) {
	steps, dir, err := cloneSteps(repo)
	if err != nil {
		return nil, err
	}
	port := o.port(5173)
	p := strconv.Itoa(port)
	env := withPort(o.Env, port)
	env["HOST"] = "0.0.0.0"

	build := o.Build
	if len(build) == 0 {
		build = sandbox.Shell(`if grep -q '"build"' package.json; then npm run build; else echo 'no build script'; fi`)
	}
	start := o.Start
	if len(start) == 0 {
		start = sandbox.Shell(
			`if grep -q '"preview"' package.json; then exec npm run preview -- --host 0.0.0.0 --port ` + p + `; ` +
				`elif grep -q '"dev"' package.json; then exec npm run dev -- --host 0.0.0.0 --port ` + p + `; ` +
				`elif grep -q '"start"' package.json; then exec npm start; ` +
				`else echo 'no preview, dev or start script' >&2; exit 1; fi`,
		)
	}

	steps = append(steps,
		model.Step{Name: "check-manifest", Command: []string{"test", "-f", dir + "/package.json"}, Timeout: model.Duration(10 * time.Second)},
		model.Step{Name: "install", Command: []string{"npm", "install"}, WorkDir: dir, Timeout: model.Duration(installTimeout)},
		model.Step{Name: "build", Command: build, WorkDir: dir, Env: env, Timeout: model.Duration(buildTimeout)},
		model.Step{Name: "start", Command: start, WorkDir: dir, Env: env, Detach: true},
		model.Step{Name: "ready", Command: []string{"true"}, WaitFor: portGate(port)},
	)
	return &model.Workflow{
		Name: workflowName("react", repo),
		Descriptor: model.Descriptor{
			BaseImage:   o.image("node:20"),
			ExposedPort: port,
			HostPort:    o.HostPort,
			Family:      model.FamilyNode,
			Env:         o.Env,
		},
		Steps: steps,
		BrowserCheck: &model.BrowserCheck{
			Path: "/",
			Viewports: []model.Viewport{
				{Name: "desktop", Width: 1920, Height: 1080},
				{Name: "mobile", Width: 375, Height: 667},
			},
			Timeout: model.Duration(15 * time.Second),
		},
		KeepEnvironment: o.Keep,
		VerifyRunning:   true,
	}, nil
}
