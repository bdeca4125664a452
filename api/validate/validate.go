// Package validate lints workflow documents before they reach the runtime.
// Errors block a run; warnings and infos are advice for the author.
package validate

import (
	"fmt"
	"strings"

	"skiff/api/model"
	"skiff/api/vcs"
)

type Validator struct {
	// PortFree, when set, is used to warn about fixed host ports that are
	// already bound on this machine.
	PortFree func(port int) bool
	// BrowserAvailable reports whether browser checks can run here.
	BrowserAvailable bool
}

func (v *Validator) Validate(wf *model.Workflow) *model.ValidationResult {
	r := wf.Check()
	checkClones(wf, r)
	checkEnvironment(wf, r)
	checkSteps(wf, r)
	v.checkBrowser(wf, r)
	v.checkHostState(wf, r)
	return r
}

func checkClones(wf *model.Workflow, r *model.ValidationResult) {
	for i, s := range wf.Steps {
		url, ok := vcs.CloneURL(s.Command)
		if !ok {
			continue
		}
		if err := vcs.ValidateURL(url); err != nil {
			r.Add(model.ValidationFinding{
				Check:    "step.clone.url",
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("step %q: %s", s.Name, strings.TrimPrefix(err.Error(), "clone: ")),
				Field:    fmt.Sprintf("steps[%d].command", i),
			})
		}
	}
}

func checkEnvironment(wf *model.Workflow, r *model.ValidationResult) {
	if wf.KeepEnvironment {
		r.Add(model.ValidationFinding{
			Check:    "workflow.keepEnvironment",
			Severity: model.SeverityInfo,
			Message:  "the environment is kept after the run until it is removed or expires",
			Field:    "keepEnvironment",
		})
	}
	image := wf.Descriptor.BaseImage
	if image == "" {
		return
	}
	// The tag follows the last colon after the last slash; a registry port
	// is not a tag.
	ref := image
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if strings.Contains(ref, "@") {
		return
	}
	_, tag, hasTag := strings.Cut(ref, ":")
	if !hasTag || tag == "latest" {
		r.Add(model.ValidationFinding{
			Check:    "environment.image.tag",
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("image %q is not pinned to a version tag", image),
			Field:    "environment.image",
		})
	}
}

func checkSteps(wf *model.Workflow, r *model.ValidationResult) {
	for i, s := range wf.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.Timeout == 0 && !s.Detach {
			r.Add(model.ValidationFinding{
				Check:    "step.timeout.default",
				Severity: model.SeverityInfo,
				Message:  fmt.Sprintf("step %q has no timeout; the server default applies", s.Name),
				Field:    field,
			})
		}
		if s.Detach && !gatedAfter(wf.Steps[i+1:]) {
			r.Add(model.ValidationFinding{
				Check:    "step.detach.gate",
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("detached step %q is not followed by a waitFor gate; later steps may race it", s.Name),
				Field:    field,
			})
		}
		if s.Detach && s.Policy() == model.OnFailureRetryOnce {
			r.Add(model.ValidationFinding{
				Check:    "step.detach.retry",
				Severity: model.SeverityWarning,
				Message:  fmt.Sprintf("detached step %q only fails if it cannot be started; retryOnce rarely helps", s.Name),
				Field:    field,
			})
		}
	}
}

func gatedAfter(steps []model.Step) bool {
	for _, s := range steps {
		if s.WaitFor != nil {
			return true
		}
	}
	return false
}

func (v *Validator) checkBrowser(wf *model.Workflow, r *model.ValidationResult) {
	bc := wf.BrowserCheck
	if bc == nil {
		return
	}
	if bc.Path != "" && !strings.HasPrefix(bc.Path, "/") {
		r.Add(model.ValidationFinding{
			Check:    "browser.path",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("browser check path %q must start with /", bc.Path),
			Field:    "browserCheck.path",
		})
	}
	for i, vp := range bc.Viewports {
		if vp.Width <= 0 || vp.Height <= 0 {
			r.Add(model.ValidationFinding{
				Check:    "browser.viewport",
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("viewport %q needs a positive width and height", vp.Name),
				Field:    fmt.Sprintf("browserCheck.viewports[%d]", i),
			})
		}
	}
	if !v.BrowserAvailable {
		r.Add(model.ValidationFinding{
			Check:    "browser.unavailable",
			Severity: model.SeverityError,
			Message:  "browser check requested but no browser is configured",
			Field:    "browserCheck",
		})
	}
}

func (v *Validator) checkHostState(wf *model.Workflow, r *model.ValidationResult) {
	if v.PortFree == nil || wf.Descriptor.HostPort <= 0 {
		return
	}
	if !v.PortFree(wf.Descriptor.HostPort) {
		r.Add(model.ValidationFinding{
			Check:    "environment.hostPort.busy",
			Severity: model.SeverityWarning,
			Message:  fmt.Sprintf("host port %d is in use right now; the run will fail unless it is released", wf.Descriptor.HostPort),
			Field:    "environment.hostPort",
		})
	}
}
