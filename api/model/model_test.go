package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skiff/api/fault"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"valid", Descriptor{BaseImage: "node:20-alpine", ExposedPort: 3000}, true},
		{"fixed host port", Descriptor{BaseImage: "python:3.13-slim", ExposedPort: 8000, HostPort: 8080, Family: FamilyPython}, true},
		{"no image", Descriptor{ExposedPort: 3000}, false},
		{"image with space", Descriptor{BaseImage: "node 20", ExposedPort: 3000}, false},
		{"port zero", Descriptor{BaseImage: "node:20", ExposedPort: 0}, false},
		{"port too big", Descriptor{BaseImage: "node:20", ExposedPort: 70000}, false},
		{"negative host port", Descriptor{BaseImage: "node:20", ExposedPort: 3000, HostPort: -1}, false},
		{"bad family", Descriptor{BaseImage: "node:20", ExposedPort: 3000, Family: "cobol"}, false},
		{"bad env key", Descriptor{BaseImage: "node:20", ExposedPort: 3000, Env: map[string]string{"BAD-KEY": "x"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !fault.Is(err, fault.Validation) {
					t.Errorf("kind = %q, want validation", fault.KindOf(err))
				}
			}
		})
	}
}

func TestParseFamily(t *testing.T) {
	if f, err := ParseFamily(""); err != nil || f != FamilyGeneric {
		t.Errorf("empty = %q, %v", f, err)
	}
	if f, err := ParseFamily("NodeJS"); err != nil || f != FamilyNode {
		t.Errorf("NodeJS = %q, %v", f, err)
	}
	if _, err := ParseFamily("ruby"); !fault.Is(err, fault.Validation) {
		t.Errorf("ruby should be a validation error, got %v", err)
	}
}

func TestKeepAlive(t *testing.T) {
	if got := (Descriptor{Family: FamilyMySQL}).KeepAlive(); got != nil {
		t.Errorf("mysql keep-alive = %v, want image default", got)
	}
	if got := (Descriptor{Family: FamilyNode}).KeepAlive(); strings.Join(got, " ") != "sleep infinity" {
		t.Errorf("node keep-alive = %v", got)
	}
	d := Descriptor{Cmd: []string{"tail", "-f", "/dev/null"}}
	got := d.KeepAlive()
	got[0] = "mutated"
	if d.Cmd[0] != "tail" {
		t.Error("KeepAlive must return a copy")
	}
}

func TestEnvironmentAdvance(t *testing.T) {
	env := &Environment{Name: "skiff-node-1", State: EnvCreated}
	for _, s := range []EnvState{EnvRunning, EnvRunning, EnvStopped, EnvRemoved} {
		if err := env.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if err := env.Advance(EnvRunning); err == nil {
		t.Error("moving from removed back to running should fail")
	}
	if !env.Removed() {
		t.Error("environment should be removed")
	}
}

func TestParseWorkflowYAML(t *testing.T) {
	data := []byte(`name: echo
environment:
  image: alpine:3.20
  port: 8080
  family: generic
steps:
  - name: write
    command: ["sh", "-c", "echo a > /tmp/f"]
    timeout: 10s
  - name: serve
    command: ["python3", "-m", "http.server", "8080"]
    detach: true
  - name: check
    command: ["true"]
    onFailure: retryOnce
    waitFor:
      port: 8080
      timeout: 30
      interval: 500ms
artifacts:
  - name: f
    path: /tmp/f
keepEnvironment: true
`)
	wf, err := ParseWorkflow(data)
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if wf.Descriptor.BaseImage != "alpine:3.20" || wf.Descriptor.ExposedPort != 8080 {
		t.Errorf("descriptor = %+v", wf.Descriptor)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(wf.Steps))
	}
	if wf.Steps[0].TimeoutOrDefault() != 10*time.Second {
		t.Errorf("timeout = %s", wf.Steps[0].TimeoutOrDefault())
	}
	if wf.Steps[1].TimeoutOrDefault() != DefaultStepTimeout {
		t.Errorf("default timeout = %s", wf.Steps[1].TimeoutOrDefault())
	}
	if !wf.Steps[1].Detach {
		t.Error("serve should be detached")
	}
	g := wf.Steps[2].WaitFor
	if g == nil || g.TimeoutOrDefault() != 30*time.Second || g.IntervalOrDefault() != 500*time.Millisecond {
		t.Errorf("gate = %+v", g)
	}
	if wf.Steps[2].Policy() != OnFailureRetryOnce || wf.Steps[0].Policy() != OnFailureAbort {
		t.Error("unexpected failure policies")
	}
	if !wf.KeepEnvironment {
		t.Error("keepEnvironment not parsed")
	}
	if err := wf.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	if err := os.WriteFile(path, []byte("environment:\n  image: alpine\n  port: 80\nsteps:\n  - name: a\n    command: [\"true\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wf, err := LoadWorkflow(path)
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if wf.Name != "workflow" {
		t.Errorf("default name = %q", wf.Name)
	}
	if _, err := LoadWorkflow(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWorkflowValidate(t *testing.T) {
	base := func() Workflow {
		return Workflow{
			Name:       "t",
			Descriptor: Descriptor{BaseImage: "alpine", ExposedPort: 80},
			Steps:      []Step{{Name: "a", Command: []string{"true"}}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Workflow)
		want   string
	}{
		{"duplicate step", func(w *Workflow) { w.Steps = append(w.Steps, Step{Name: "a", Command: []string{"true"}}) }, "duplicate step"},
		{"empty command", func(w *Workflow) { w.Steps[0].Command = nil }, "no command"},
		{"bad policy", func(w *Workflow) { w.Steps[0].OnFailure = "ignore" }, "unknown onFailure"},
		{"relative workdir", func(w *Workflow) { w.Steps[0].WorkDir = "app" }, "absolute"},
		{"empty gate", func(w *Workflow) { w.Steps[0].WaitFor = &Gate{} }, "port or a command"},
		{"gate on other port", func(w *Workflow) { w.Steps[0].WaitFor = &Gate{Port: 5173} }, "not the exposed port"},
		{"relative artifact", func(w *Workflow) { w.Artifacts = []Artifact{{Name: "f", Path: "tmp/f"}} }, "absolute"},
		{"bad descriptor", func(w *Workflow) { w.Descriptor.ExposedPort = 0 }, "outside 1-65535"},
		{"relative input", func(w *Workflow) { w.Inputs = []Input{{Path: "input.png", Content: "x"}} }, "absolute file path"},
		{"input dir", func(w *Workflow) { w.Inputs = []Input{{Path: "/input/", Content: "x"}} }, "absolute file path"},
		{"bad base64", func(w *Workflow) { w.Inputs = []Input{{Path: "/input/a.png", Content: "%%%", Encoding: "base64"}} }, "illegal base64"},
		{"unknown encoding", func(w *Workflow) { w.Inputs = []Input{{Path: "/input/a", Content: "x", Encoding: "hex"}} }, "unknown encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := base()
			tt.mutate(&w)
			err := w.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !fault.Is(err, fault.Validation) {
				t.Errorf("kind = %q", fault.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
	if err := base().Validate(); err != nil {
		t.Errorf("base workflow should be valid: %v", err)
	}
}

func TestInputData(t *testing.T) {
	plain, err := Input{Path: "/a", Content: "hi"}.Data()
	if err != nil || string(plain) != "hi" {
		t.Errorf("plain = %q, %v", plain, err)
	}
	bin, err := Input{Path: "/a", Content: "iVBORw==", Encoding: "base64"}.Data()
	if err != nil || len(bin) != 4 || bin[1] != 'P' {
		t.Errorf("base64 = %v, %v", bin, err)
	}

	wf, err := ParseWorkflow([]byte(`
name: img
environment: {image: python:3.10-slim, port: 8000}
inputs:
  - path: /input/in.txt
    content: hello
artifacts:
  - name: output
    path: /output
    dir: true
steps:
  - name: run
    command: [python, main.py]
`))
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Inputs) != 1 || wf.Inputs[0].Content != "hello" || !wf.Artifacts[0].Dir {
		t.Errorf("parsed = %+v", wf)
	}
}

func TestDurationJSON(t *testing.T) {
	var s Step
	if err := json.Unmarshal([]byte(`{"name":"a","command":["true"],"timeout":"1m30s"}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.TimeoutOrDefault() != 90*time.Second {
		t.Errorf("timeout = %s", s.TimeoutOrDefault())
	}
	if err := json.Unmarshal([]byte(`{"name":"a","timeout":5}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Timeout.D() != 5*time.Second {
		t.Errorf("numeric timeout = %s", s.Timeout)
	}
	if err := json.Unmarshal([]byte(`{"timeout":"soon"}`), &s); err == nil {
		t.Error("expected error for bad duration")
	}
	out, _ := json.Marshal(Step{Name: "a", Timeout: Duration(2 * time.Second)})
	if !strings.Contains(string(out), `"timeout":"2s"`) {
		t.Errorf("marshalled = %s", out)
	}
}
