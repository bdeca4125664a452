package model

import (
	"sort"
	"time"
)

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunTimedOut RunStatus = "timedOut"
)

type StepOutput struct {
	Name       string `json:"name"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

func (o StepOutput) Failed() bool {
	return o.Error != ""
}

type WorkflowResult struct {
	RunID         string            `json:"runId"`
	Workflow      string            `json:"workflow"`
	Status        RunStatus         `json:"status"`
	FailedStep    string            `json:"failedStep,omitempty"`
	Message       string            `json:"message,omitempty"`
	ErrorKind     string            `json:"errorKind,omitempty"`
	StepOutputs   []StepOutput      `json:"stepOutputs"`
	Artifacts     map[string][]byte `json:"artifacts,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
	EnvironmentID string            `json:"environmentId,omitempty"`
	HostPort      int               `json:"hostPort,omitempty"`
	Kept          bool              `json:"kept,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
}

// Step returns the output recorded for name, if any.
func (r *WorkflowResult) Step(name string) (StepOutput, bool) {
	for _, o := range r.StepOutputs {
		if o.Name == name {
			return o, true
		}
	}
	return StepOutput{}, false
}

type ArtifactRef struct {
	Name string `json:"name"`
	Size int    `json:"size"`
	Key  string `json:"key,omitempty"` // archive object key when uploaded
}

// Run is the persisted form of a WorkflowResult. Artifact contents are not
// kept in the database, only their size and archive key.
type Run struct {
	ID            string        `json:"id"`
	Workflow      string        `json:"workflow"`
	Status        RunStatus     `json:"status"`
	FailedStep    string        `json:"failedStep,omitempty"`
	Message       string        `json:"message,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Steps         []StepOutput  `json:"steps"`
	Artifacts     []ArtifactRef `json:"artifacts"`
	Warnings      []string      `json:"warnings"`
	EnvironmentID string        `json:"environmentId,omitempty"`
	HostPort      int           `json:"hostPort,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

// NewRun builds the persisted form of r. keys maps artifact names to
// archive keys and may be nil.
func NewRun(r *WorkflowResult, keys map[string]string) *Run {
	run := &Run{
		ID:            r.RunID,
		Workflow:      r.Workflow,
		Status:        r.Status,
		FailedStep:    r.FailedStep,
		Message:       r.Message,
		ErrorKind:     r.ErrorKind,
		Steps:         append([]StepOutput{}, r.StepOutputs...),
		Artifacts:     []ArtifactRef{},
		Warnings:      append([]string{}, r.Warnings...),
		EnvironmentID: r.EnvironmentID,
		HostPort:      r.HostPort,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	names := make([]string, 0, len(r.Artifacts))
	for name := range r.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		run.Artifacts = append(run.Artifacts, ArtifactRef{Name: name, Size: len(r.Artifacts[name]), Key: keys[name]})
	}
	return run
}

func (r *Run) Finished() bool {
	return r.Status != RunRunning
}
