package sandbox

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/runtime"
)

const (
	nameAttempts     = 3
	defaultStopGrace = 5 * time.Second
)

// Provisioner creates, verifies and tears down environments. It keeps no
// record of what it created; the caller owns the returned Environment.
type Provisioner struct {
	rt        runtime.Runtime
	StopGrace time.Duration
	// PortFree reports whether a fixed host port can be bound locally.
	PortFree func(port int) bool
	// Labels are added to every container on top of the managed labels.
	Labels map[string]string
}

func NewProvisioner(rt runtime.Runtime) *Provisioner {
	return &Provisioner{rt: rt, StopGrace: defaultStopGrace, PortFree: localPortFree}
}

func (p *Provisioner) Create(ctx context.Context, d model.Descriptor) (*model.Environment, error) {
	return p.CreateLabeled(ctx, d, nil)
}

// CreateLabeled is Create with extra container labels, e.g. the run that
// owns the environment.
func (p *Provisioner) CreateLabeled(ctx context.Context, d model.Descriptor, labels map[string]string) (*model.Environment, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.HostPort > 0 && p.PortFree != nil && !p.PortFree(d.HostPort) {
		return nil, fault.Newf(fault.PortInUse, "create", "host port %d is already in use", d.HostPort)
	}

	family := d.RuntimeFamily()
	now := time.Now()
	opts := runtime.CreateOpts{
		Image:    d.BaseImage,
		Port:     d.ExposedPort,
		HostPort: d.HostPort,
		Env:      d.EnvCopy(),
		Cmd:      d.KeepAlive(),
		Network:  d.Network,
		Labels: map[string]string{
			runtime.LabelManaged: "true",
			runtime.LabelFamily:  string(family),
			runtime.LabelCreated: strconv.FormatInt(now.Unix(), 10),
			runtime.LabelPort:    strconv.Itoa(d.ExposedPort),
		},
	}
	for k, v := range p.Labels {
		opts.Labels[k] = v
	}
	for k, v := range labels {
		opts.Labels[k] = v
	}

	var id string
	var err error
	for attempt := 1; attempt <= nameAttempts; attempt++ {
		opts.Name = containerName(family)
		id, err = p.rt.Create(ctx, opts)
		if err == nil {
			break
		}
		if fault.KindOf(err) == fault.NameConflict {
			log.Printf("sandbox: name %s taken (attempt %d/%d)", opts.Name, attempt, nameAttempts)
			continue
		}
		p.discard(opts.Name)
		if fault.KindOf(err) == "" {
			err = fault.Wrap(fault.Provision, "create "+opts.Name, err)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	env := &model.Environment{
		ID:         id,
		Name:       opts.Name,
		Descriptor: d,
		State:      model.EnvCreated,
		CreatedAt:  now,
	}
	st, err := p.rt.Inspect(ctx, id)
	if err != nil {
		p.Teardown(context.Background(), env)
		return nil, fault.Wrap(fault.Provision, "inspect "+env.Name, err)
	}
	env.HostPort = st.HostPorts[d.ExposedPort]
	if st.Running {
		env.Advance(model.EnvRunning)
	}
	log.Printf("sandbox: created %s (%s) from %s, port %d -> %d", env.Name, shortID(id), d.BaseImage, d.ExposedPort, env.HostPort)
	return env, nil
}

// discard removes a container docker may have created before failing to
// start it, e.g. when the published port was taken.
func (p *Provisioner) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.rt.Remove(ctx, name); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		log.Printf("sandbox: cleanup of failed create %s: %v", name, err)
	}
}

// VerifyRunning reports whether the container is still up. An exited or
// vanished container is false, not an error.
func (p *Provisioner) VerifyRunning(ctx context.Context, env *model.Environment) (bool, error) {
	st, err := p.rt.Inspect(ctx, env.ID)
	if errors.Is(err, runtime.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.Provision, "inspect "+env.Name, err)
	}
	if st.Running {
		env.Advance(model.EnvRunning)
		if hp := st.HostPorts[env.Descriptor.ExposedPort]; hp > 0 {
			env.HostPort = hp
		}
		return true, nil
	}
	env.Advance(model.EnvStopped)
	log.Printf("sandbox: %s is %s (exit %d)", env.Name, st.Status, st.ExitCode)
	return false, nil
}

// Teardown stops and removes the container. It never fails: problems are
// logged and returned as warnings. Tearing down a removed environment is a
// no-op.
func (p *Provisioner) Teardown(ctx context.Context, env *model.Environment) []string {
	if env == nil || env.Removed() {
		return nil
	}
	var warnings []string
	if err := p.rt.Stop(ctx, env.ID, p.StopGrace); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		warnings = append(warnings, fmt.Sprintf("stop %s: %v", env.Name, err))
	} else if err == nil {
		env.Advance(model.EnvStopped)
	}
	err := p.rt.Remove(ctx, env.ID)
	switch {
	case err == nil, errors.Is(err, runtime.ErrNotFound):
		env.Advance(model.EnvRemoved)
	default:
		warnings = append(warnings, fmt.Sprintf("remove %s: %v", env.Name, err))
	}
	for _, w := range warnings {
		log.Printf("sandbox: cleanup warning: %s", w)
	}
	if len(warnings) == 0 {
		log.Printf("sandbox: removed %s", env.Name)
	}
	return warnings
}

func containerName(family model.RuntimeFamily) string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("skiff-%s-%x", family, b)
}

func localPortFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
