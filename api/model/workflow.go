package model

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type FailurePolicy string

const (
	OnFailureAbort     FailurePolicy = "abort"
	OnFailureContinue  FailurePolicy = "continue"
	OnFailureRetryOnce FailurePolicy = "retryOnce"
)

const (
	DefaultStepTimeout  = 120 * time.Second
	DefaultGateTimeout  = 30 * time.Second
	DefaultGateInterval = time.Second
)

// Gate delays a step until the environment answers. Exactly one of Port or
// Command is set. Port is the container port; the prober dials the host port
// the runtime mapped it to.
type Gate struct {
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`
	Command  []string `yaml:"command,omitempty" json:"command,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

func (g Gate) TimeoutOrDefault() time.Duration {
	if g.Timeout <= 0 {
		return DefaultGateTimeout
	}
	return g.Timeout.D()
}

func (g Gate) IntervalOrDefault() time.Duration {
	if g.Interval <= 0 {
		return DefaultGateInterval
	}
	return g.Interval.D()
}

type Step struct {
	Name      string            `yaml:"name" json:"name"`
	Command   []string          `yaml:"command" json:"command"`
	Timeout   Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	OnFailure FailurePolicy     `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`
	WorkDir   string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WaitFor   *Gate             `yaml:"waitFor,omitempty" json:"waitFor,omitempty"`
	Detach    bool              `yaml:"detach,omitempty" json:"detach,omitempty"`
}

func (s Step) TimeoutOrDefault() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return s.Timeout.D()
}

func (s Step) Policy() FailurePolicy {
	if s.OnFailure == "" {
		return OnFailureAbort
	}
	return s.OnFailure
}

// Artifact is a file pulled out of the environment after the steps finish.
// Artifact is a file read back from the environment after the steps. With
// Dir set, Path is a directory and each regular file below it becomes an
// artifact named Name/<relative path>.
type Artifact struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
	Dir  bool   `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Input is a file written into the environment before the first step.
type Input struct {
	Path     string `yaml:"path" json:"path"`
	Content  string `yaml:"content" json:"content"`
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"` // "" or base64
}

// Data returns the decoded file contents.
func (in Input) Data() ([]byte, error) {
	switch in.Encoding {
	case "":
		return []byte(in.Content), nil
	case "base64":
		return base64.StdEncoding.DecodeString(in.Content)
	default:
		return nil, fmt.Errorf("unknown encoding %q", in.Encoding)
	}
}

type Viewport struct {
	Name   string `yaml:"name" json:"name"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

var DefaultViewports = []Viewport{
	{Name: "desktop", Width: 1280, Height: 800},
	{Name: "mobile", Width: 375, Height: 667},
}

// BrowserCheck loads the front end served by the environment in a headless
// browser once all steps have succeeded.
type BrowserCheck struct {
	Path      string     `yaml:"path,omitempty" json:"path,omitempty"`
	Viewports []Viewport `yaml:"viewports,omitempty" json:"viewports,omitempty"`
	Timeout   Duration   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type Workflow struct {
	Name            string        `yaml:"name" json:"name"`
	Descriptor      Descriptor    `yaml:"environment" json:"environment"`
	Inputs          []Input       `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps           []Step        `yaml:"steps" json:"steps"`
	Artifacts       []Artifact    `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	KeepEnvironment bool          `yaml:"keepEnvironment,omitempty" json:"keepEnvironment,omitempty"`
	VerifyRunning   bool          `yaml:"verifyRunning,omitempty" json:"verifyRunning,omitempty"`
	BrowserCheck    *BrowserCheck `yaml:"browserCheck,omitempty" json:"browserCheck,omitempty"`
}

func LoadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorkflow(data)
}

func ParseWorkflow(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	if wf.Name == "" {
		wf.Name = "workflow"
	}
	return &wf, nil
}

// Validate checks everything that can be checked without touching the
// container runtime.
func (w Workflow) Validate() error {
	return w.Check().Err("workflow " + w.Name)
}

// Check returns every structural finding for the workflow.
func (w Workflow) Check() *ValidationResult {
	r := &ValidationResult{App: w.Name}
	if err := w.Descriptor.Validate(); err != nil {
		r.Add(ValidationFinding{Check: "workflow.environment", Severity: SeverityError, Field: "environment", Message: strings.TrimPrefix(err.Error(), "descriptor: ")})
	}
	seen := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.Name == "" {
			r.Add(ValidationFinding{Check: "step.name.required", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %d has no name", i)})
		} else if seen[s.Name] {
			r.Add(ValidationFinding{Check: "step.name.unique", Severity: SeverityError, Field: field, Message: fmt.Sprintf("duplicate step name %q", s.Name)})
		}
		seen[s.Name] = true
		if len(s.Command) == 0 || s.Command[0] == "" {
			r.Add(ValidationFinding{Check: "step.command.required", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q has no command", s.Name)})
		}
		switch s.Policy() {
		case OnFailureAbort, OnFailureContinue, OnFailureRetryOnce:
		default:
			r.Add(ValidationFinding{Check: "step.onFailure", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: unknown onFailure %q", s.Name, s.OnFailure)})
		}
		if s.Timeout < 0 {
			r.Add(ValidationFinding{Check: "step.timeout", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: negative timeout", s.Name)})
		}
		if s.WorkDir != "" && !strings.HasPrefix(s.WorkDir, "/") {
			r.Add(ValidationFinding{Check: "step.workdir", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: workdir must be absolute", s.Name)})
		}
		if g := s.WaitFor; g != nil {
			switch {
			case g.Port == 0 && len(g.Command) == 0:
				r.Add(ValidationFinding{Check: "step.waitFor.empty", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: waitFor needs a port or a command", s.Name)})
			case g.Port != 0 && len(g.Command) != 0:
				r.Add(ValidationFinding{Check: "step.waitFor.ambiguous", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: waitFor takes a port or a command, not both", s.Name)})
			case g.Port != 0 && g.Port != w.Descriptor.ExposedPort:
				r.Add(ValidationFinding{Check: "step.waitFor.port", Severity: SeverityError, Field: field, Message: fmt.Sprintf("step %q: waitFor port %d is not the exposed port %d", s.Name, g.Port, w.Descriptor.ExposedPort)})
			}
		}
	}
	for i, in := range w.Inputs {
		field := fmt.Sprintf("inputs[%d]", i)
		if !strings.HasPrefix(in.Path, "/") || strings.HasSuffix(in.Path, "/") {
			r.Add(ValidationFinding{Check: "input.path", Severity: SeverityError, Field: field, Message: fmt.Sprintf("input %d: path %q must be an absolute file path", i, in.Path)})
		}
		if _, err := in.Data(); err != nil {
			r.Add(ValidationFinding{Check: "input.content", Severity: SeverityError, Field: field, Message: fmt.Sprintf("input %s: %v", in.Path, err)})
		}
	}
	names := make(map[string]bool, len(w.Artifacts))
	for i, a := range w.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		if a.Name == "" || a.Path == "" {
			r.Add(ValidationFinding{Check: "artifact.required", Severity: SeverityError, Field: field, Message: fmt.Sprintf("artifact %d needs a name and a path", i)})
			continue
		}
		if names[a.Name] {
			r.Add(ValidationFinding{Check: "artifact.name.unique", Severity: SeverityError, Field: field, Message: fmt.Sprintf("duplicate artifact name %q", a.Name)})
		}
		names[a.Name] = true
		if !strings.HasPrefix(a.Path, "/") {
			r.Add(ValidationFinding{Check: "artifact.path", Severity: SeverityError, Field: field, Message: fmt.Sprintf("artifact %q: path must be absolute", a.Name)})
		}
	}
	if len(w.Steps) == 0 && len(w.Artifacts) == 0 && w.BrowserCheck == nil {
		r.Add(ValidationFinding{Check: "workflow.empty", Severity: SeverityWarning, Message: "workflow has nothing to do"})
	}
	return r
}
