package recipe

import (
	"strings"
	"testing"

	"skiff/api/fault"
	"skiff/api/model"
)

func TestRecipesProduceValidWorkflows(t *testing.T) {
	repo := "https://github.com/octo/shop-front.git"
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			wf, err := Build(name, repo, Options{SetupQueries: []string{"CREATE TABLE t (id INT)"}, InputImage: pngHeader})
			if err != nil {
				t.Fatalf("Build(%s): %v", name, err)
			}
			if err := wf.Validate(); err != nil {
				t.Errorf("workflow invalid: %v", err)
			}
		})
	}
}

func TestRecipesRejectBadURLBeforeAnything(t *testing.T) {
	for _, name := range []string{"node", "python", "react", "image"} {
		_, err := Build(name, "ftp://example.com/repo", Options{InputImage: pngHeader})
		if !fault.Is(err, fault.Validation) {
			t.Errorf("%s: err = %v, want validation error", name, err)
		}
	}
}

func TestNodeAppSteps(t *testing.T) {
	wf, err := NodeApp("https://github.com/octo/api", Options{PackageManager: "yarn"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range wf.Steps {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "install-git,clone,install-yarn,install,start,ready" {
		t.Errorf("steps = %s", got)
	}
	install, _ := stepNamed(wf, "install")
	if install.WorkDir != "/app/api" || install.Command[0] != "yarn" {
		t.Errorf("install = %+v", install)
	}
	start, _ := stepNamed(wf, "start")
	if !start.Detach || start.Env["PORT"] != "3000" {
		t.Errorf("start = %+v", start)
	}
	ready, _ := stepNamed(wf, "ready")
	if ready.WaitFor == nil || ready.WaitFor.Port != 3000 {
		t.Errorf("ready gate = %+v", ready.WaitFor)
	}
	if wf.Descriptor.BaseImage != "node:20-alpine" || wf.Descriptor.HostPort != 0 {
		t.Errorf("descriptor = %+v", wf.Descriptor)
	}

	if _, err := NodeApp("https://github.com/octo/api", Options{PackageManager: "pnpm"}); !fault.Is(err, fault.Validation) {
		t.Errorf("pnpm: %v", err)
	}
}

func TestMySQLRecipe(t *testing.T) {
	wf, err := MySQL(Options{Database: "shop", SetupQueries: []string{"CREATE TABLE a (id INT)", "INSERT INTO a VALUES (1)"}})
	if err != nil {
		t.Fatal(err)
	}
	if wf.Descriptor.Env["MYSQL_DATABASE"] != "shop" || wf.Descriptor.Env["MYSQL_USER"] != "evaluator" {
		t.Errorf("env = %v", wf.Descriptor.Env)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("steps = %d", len(wf.Steps))
	}
	gate := wf.Steps[0].WaitFor
	if gate == nil || strings.Join(gate.Command, " ") != "mysql -u evaluator -pevaluatorpass -e SELECT 1" {
		t.Errorf("gate = %+v", gate)
	}
	last := wf.Steps[2].Command
	if last[len(last)-1] != "INSERT INTO a VALUES (1)" || last[len(last)-3] != "shop" {
		t.Errorf("setup argv = %q", last)
	}

	if _, err := MySQL(Options{Database: "shop; DROP"}); !fault.Is(err, fault.Validation) {
		t.Errorf("bad database name: %v", err)
	}
}

func TestReactContestHasBrowserCheck(t *testing.T) {
	wf, err := ReactContest("git@github.com:octo/landing.git", Options{Keep: true})
	if err != nil {
		t.Fatal(err)
	}
	if wf.BrowserCheck == nil || len(wf.BrowserCheck.Viewports) != 2 {
		t.Fatalf("browser check = %+v", wf.BrowserCheck)
	}
	if !wf.KeepEnvironment {
		t.Error("keep option ignored")
	}
	start, ok := stepNamed(wf, "start")
	if !ok || !strings.Contains(start.Command[2], "--port 5173") {
		t.Errorf("start = %+v", start)
	}
	if wf.Descriptor.ExposedPort != 5173 {
		t.Errorf("port = %d", wf.Descriptor.ExposedPort)
	}
}

// pngHeader is the base64 of the eight-byte PNG signature.
const pngHeader = "iVBORw0KGgo="

func TestImageProcessingRecipe(t *testing.T) {
	wf, err := ImageProcessing("https://github.com/octo/edge-detect", Options{InputImage: pngHeader, InputName: "cat.png"})
	if err != nil {
		t.Fatal(err)
	}
	if wf.Descriptor.BaseImage != "python:3.10-slim" || wf.Descriptor.Family != model.FamilyPython {
		t.Errorf("descriptor = %+v", wf.Descriptor)
	}
	if len(wf.Inputs) != 1 || wf.Inputs[0].Path != "/input/cat.png" {
		t.Fatalf("inputs = %+v", wf.Inputs)
	}
	if data, err := wf.Inputs[0].Data(); err != nil || len(data) != 8 || data[1] != 'P' {
		t.Errorf("input data = %v, %v", data, err)
	}
	if len(wf.Artifacts) != 1 || !wf.Artifacts[0].Dir || wf.Artifacts[0].Path != "/output" {
		t.Errorf("artifacts = %+v", wf.Artifacts)
	}

	var names []string
	for _, s := range wf.Steps {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "install-libs,install-git,clone,install,requirements,mkdir-output,run" {
		t.Errorf("steps = %s", got)
	}
	libs, _ := stepNamed(wf, "install-libs")
	if !strings.Contains(libs.Command[2], "libgl1") || !strings.Contains(libs.Command[2], "libgomp1") {
		t.Errorf("install-libs = %q", libs.Command)
	}
	install, _ := stepNamed(wf, "install")
	if got := strings.Join(install.Command, " "); !strings.Contains(got, "opencv-python") || !strings.Contains(got, "scikit-image") {
		t.Errorf("install = %s", got)
	}
	run, _ := stepNamed(wf, "run")
	if strings.Join(run.Command, " ") != "python main.py" || run.WorkDir != "/app/edge-detect" || run.Env["MPLBACKEND"] != "Agg" {
		t.Errorf("run = %+v", run)
	}

	for _, o := range []Options{
		{},
		{InputImage: "not base64!"},
		{InputImage: pngHeader, InputName: "../etc/passwd"},
	} {
		if _, err := ImageProcessing("https://github.com/octo/edge-detect", o); !fault.Is(err, fault.Validation) {
			t.Errorf("options %+v: err = %v, want validation error", o, err)
		}
	}
}

func TestUnknownRecipe(t *testing.T) {
	if _, err := Build("cobol", "", Options{}); !fault.Is(err, fault.Validation) {
		t.Errorf("err = %v", err)
	}
}

func stepNamed(wf *model.Workflow, name string) (model.Step, bool) {
	for _, s := range wf.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return model.Step{}, false
}
