package recipe

import (
	"encoding/base64"
	"strings"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

const (
	imageInputDir  = "/input"
	imageOutputDir = "/output"
	runTimeout     = 600 * time.Second
)

// imageLibs are the shared libraries opencv needs on a slim debian image.
var imageLibs = []string{"git", "libgl1", "libglib2.0-0", "libsm6", "libxext6", "libxrender-dev", "libgomp1"}

var imagePackages = []string{"opencv-python", "numpy", "matplotlib", "pillow", "scikit-image"}

// ImageProcessing clones an image-processing submission, places the input
// image under /input and runs main.py. Everything the program writes to
// /output comes back as output/<file> artifacts.
func ImageProcessing(repo string, o Options) (*model.Workflow, error) {
	name := o.InputName
	if name == "" {
		name = "input.png"
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fault.Newf(fault.Validation, "recipe image", "invalid input name %q", name)
	}
	if o.InputImage == "" {
		return nil, fault.New(fault.Validation, "recipe image", "inputImage (base64) is required")
	}
	if _, err := base64.StdEncoding.DecodeString(o.InputImage); err != nil {
		return nil, fault.Wrap(fault.Validation, "recipe image", err)
	}

	clone, dir, err := cloneSteps(repo)
	if err != nil {
		return nil, err
	}
	steps := []model.Step{{
		Name:    "install-libs",
		Command: sandbox.Shell("apt-get update -qq && apt-get install -y -qq --no-install-recommends " + strings.Join(imageLibs, " ") + " >/dev/null && rm -rf /var/lib/apt/lists/*"),
		Timeout: model.Duration(installTimeout),
	}}
	steps = append(steps, clone...)

	start := o.Start
	if len(start) == 0 {
		start = []string{"python", "main.py"}
	}
	env := map[string]string{"MPLBACKEND": "Agg"}
	for k, v := range o.Env {
		env[k] = v
	}
	steps = append(steps,
		model.Step{Name: "install", Command: append([]string{"pip", "install", "--no-cache-dir"}, imagePackages...), Timeout: model.Duration(installTimeout)},
		model.Step{
			Name:    "requirements",
			Command: sandbox.Shell("if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; else echo 'no requirements.txt'; fi"),
			WorkDir: dir,
			Timeout: model.Duration(installTimeout),
		},
		model.Step{Name: "mkdir-output", Command: []string{"mkdir", "-p", imageOutputDir}, Timeout: model.Duration(10 * time.Second)},
		model.Step{Name: "run", Command: start, WorkDir: dir, Env: env, Timeout: model.Duration(runTimeout)},
	)

	return &model.Workflow{
		Name: workflowName("image", repo),
		Descriptor: model.Descriptor{
			BaseImage:   o.image("python:3.10-slim"),
			ExposedPort: o.port(8000),
			HostPort:    o.HostPort,
			Family:      model.FamilyPython,
			Env:         o.Env,
		},
		Inputs: []model.Input{{
			Path:     imageInputDir + "/" + name,
			Content:  o.InputImage,
			Encoding: "base64",
		}},
		Steps:           steps,
		Artifacts:       []model.Artifact{{Name: "output", Path: imageOutputDir, Dir: true}},
		KeepEnvironment: o.Keep,
	}, nil
}
