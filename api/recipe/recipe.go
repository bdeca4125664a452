// Package recipe builds workflows for the runtime families skiff knows how
// to stand up: node and python apps cloned from GitHub, a bare FastAPI
// sandbox, MySQL and MongoDB evaluators, and the React front-end and image
// processing contests.
package recipe

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
	"skiff/api/vcs"
)

const (
	installTimeout = 300 * time.Second
	buildTimeout   = 300 * time.Second
	cloneTimeout   = 120 * time.Second

	appRoot = "/app"
)

// Options tune a recipe. Zero values pick the family defaults.
type Options struct {
	Image          string            `json:"image,omitempty"`
	Port           int               `json:"port,omitempty"`
	HostPort       int               `json:"hostPort,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PackageManager string            `json:"packageManager,omitempty"` // npm or yarn
	Build          []string          `json:"build,omitempty"`
	Start          []string          `json:"start,omitempty"`
	HealthPath     string            `json:"healthPath,omitempty"`
	Keep           bool              `json:"keep,omitempty"`

	Database     string   `json:"database,omitempty"`
	SetupQueries []string `json:"setupQueries,omitempty"`

	InputImage string `json:"inputImage,omitempty"` // base64
	InputName  string `json:"inputName,omitempty"`  // file name under /input
}

func (o Options) port(def int) int {
	if o.Port > 0 {
		return o.Port
	}
	return def
}

func (o Options) image(def string) string {
	if o.Image != "" {
		return o.Image
	}
	return def
}

// Names lists the recipes Build understands.
func Names() []string {
	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var builders = map[string]func(repo string, o Options) (*model.Workflow, error){
	"node":    NodeApp,
	"python":  PythonApp,
	"react":   ReactContest,
	"image":   ImageProcessing,
	"fastapi": func(_ string, o Options) (*model.Workflow, error) { return FastAPI(o) },
	"mysql":   func(_ string, o Options) (*model.Workflow, error) { return MySQL(o) },
	"mongo":   func(_ string, o Options) (*model.Workflow, error) { return Mongo(o) },
}

// Build dispatches to the named recipe. repo is ignored by recipes that do
// not clone anything.
func Build(name, repo string, o Options) (*model.Workflow, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fault.Newf(fault.Validation, "recipe", "unknown recipe %q", name)
	}
	return b(repo, o)
}

// ensureGit installs git with whichever package manager the image has.
func ensureGit() model.Step {
	return model.Step{
		Name:    "install-git",
		Command: sandbox.Shell("command -v git >/dev/null 2>&1 || apk add --no-cache git >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq git)"),
		Timeout: model.Duration(180 * time.Second),
	}
}

// cloneSteps validates the URL and returns the clone step plus the checkout
// directory.
func cloneSteps(repo string) ([]model.Step, string, error) {
	if err := vcs.ValidateURL(repo); err != nil {
		return nil, "", err
	}
	name, err := vcs.RepoName(repo)
	if err != nil {
		return nil, "", err
	}
	dir := appRoot + "/" + name
	argv, err := vcs.CloneStep(repo, dir)
	if err != nil {
		return nil, "", err
	}
	return []model.Step{
		ensureGit(),
		{Name: "clone", Command: argv, Timeout: model.Duration(cloneTimeout)},
	}, dir, nil
}

func portGate(port int) *model.Gate {
	return &model.Gate{Port: port, Timeout: model.Duration(30 * time.Second), Interval: model.Duration(time.Second)}
}

func withPort(env map[string]string, port int) map[string]string {
	out := map[string]string{"PORT": strconv.Itoa(port)}
	for k, v := range env {
		out[k] = v
	}
	return out
}

func workflowName(kind, repo string) string {
	if repo == "" {
		return kind
	}
	name, err := vcs.RepoName(repo)
	if err != nil {
		return kind
	}
	return fmt.Sprintf("%s-%s", kind, name)
}
