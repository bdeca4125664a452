package model

import (
	"fmt"
	"regexp"
	"strings"

	"skiff/api/fault"
)

type RuntimeFamily string

const (
	FamilyPython  RuntimeFamily = "python"
	FamilyNode    RuntimeFamily = "node"
	FamilyMySQL   RuntimeFamily = "mysql"
	FamilyMongo   RuntimeFamily = "mongo"
	FamilyGeneric RuntimeFamily = "generic"
)

var families = map[RuntimeFamily]bool{
	FamilyPython:  true,
	FamilyNode:    true,
	FamilyMySQL:   true,
	FamilyMongo:   true,
	FamilyGeneric: true,
}

// ParseFamily normalizes a family name. The empty string means generic.
func ParseFamily(s string) (RuntimeFamily, error) {
	f := RuntimeFamily(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FamilyGeneric, nil
	}
	if f == "nodejs" {
		return FamilyNode, nil
	}
	if !families[f] {
		return "", fault.Newf(fault.Validation, "descriptor", "unsupported runtime family %q", s)
	}
	return f, nil
}

// Descriptor describes what to provision. It is treated as immutable once
// handed to a Provisioner; all methods use value receivers and copy maps.
type Descriptor struct {
	BaseImage   string            `yaml:"image" json:"image"`
	ExposedPort int               `yaml:"port" json:"port"`
	HostPort    int               `yaml:"hostPort,omitempty" json:"hostPort,omitempty"` // 0 = assigned by the runtime
	Family      RuntimeFamily     `yaml:"family,omitempty" json:"family,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cmd         []string          `yaml:"cmd,omitempty" json:"cmd,omitempty"` // keep-alive command; family default when empty
	Network     string            `yaml:"network,omitempty" json:"network,omitempty"`
}

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (d Descriptor) Validate() error {
	r := &ValidationResult{App: d.BaseImage}
	if strings.TrimSpace(d.BaseImage) == "" {
		r.Add(ValidationFinding{Check: "descriptor.image.required", Severity: SeverityError, Field: "image", Message: "base image is required"})
	} else if strings.ContainsAny(d.BaseImage, " \t\n") {
		r.Add(ValidationFinding{Check: "descriptor.image.format", Severity: SeverityError, Field: "image", Message: "base image must not contain whitespace"})
	}
	if d.ExposedPort < 1 || d.ExposedPort > 65535 {
		r.Add(ValidationFinding{Check: "descriptor.port.range", Severity: SeverityError, Field: "port", Message: fmt.Sprintf("exposed port %d outside 1-65535", d.ExposedPort)})
	}
	if d.HostPort < 0 || d.HostPort > 65535 {
		r.Add(ValidationFinding{Check: "descriptor.hostPort.range", Severity: SeverityError, Field: "hostPort", Message: fmt.Sprintf("host port %d outside 0-65535", d.HostPort)})
	}
	if d.Family != "" && !families[d.Family] {
		r.Add(ValidationFinding{Check: "descriptor.family.invalid", Severity: SeverityError, Field: "family", Message: fmt.Sprintf("unsupported runtime family %q", d.Family)})
	}
	for k := range d.Env {
		if !envKeyRe.MatchString(k) {
			r.Add(ValidationFinding{Check: "descriptor.env.key", Severity: SeverityError, Field: "env." + k, Message: fmt.Sprintf("invalid environment variable name %q", k)})
		}
	}
	return r.Err("descriptor")
}

// RuntimeFamily returns the family, defaulting to generic.
func (d Descriptor) RuntimeFamily() RuntimeFamily {
	if d.Family == "" {
		return FamilyGeneric
	}
	return d.Family
}

// KeepAlive returns the command the container runs so that later execs have
// a live process to attach to. Database images keep their own entrypoint.
func (d Descriptor) KeepAlive() []string {
	if len(d.Cmd) > 0 {
		return append([]string(nil), d.Cmd...)
	}
	switch d.RuntimeFamily() {
	case FamilyMySQL, FamilyMongo:
		return nil
	default:
		return []string{"sleep", "infinity"}
	}
}

// EnvCopy returns a copy of the injected environment.
func (d Descriptor) EnvCopy() map[string]string {
	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		env[k] = v
	}
	return env
}
