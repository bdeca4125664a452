// Package runtimetest provides an in-memory Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"skiff/api/fault"
	"skiff/api/runtime"
)

type Container struct {
	ID       string
	Name     string
	Opts     runtime.CreateOpts
	HostPort int
	Running  bool
	ExitCode int
	Files    map[string][]byte
}

// Fake mimics the docker CLI closely enough for lifecycle tests: names and
// fixed host ports must be unique among live containers, and a port clash
// leaves a created-but-not-started container behind, as docker does.
type Fake struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	removes    map[string]int
	calls      []string

	// CreateFunc, when set, runs before the default create logic; a non-nil
	// error is returned as-is.
	CreateFunc func(opts runtime.CreateOpts) error
	// ExecFunc replaces the default command emulation.
	ExecFunc func(ctx context.Context, c *Container, opts runtime.ExecOpts) (runtime.ExecResult, error)
	// ExitOnStart makes new containers exit immediately with this code.
	ExitOnStart *int
	StopErr     error
	RemoveErr   error
}

func New() *Fake {
	return &Fake{containers: map[string]*Container{}, removes: map[string]int{}}
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) Create(ctx context.Context, opts runtime.CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", opts.Name)
	if f.CreateFunc != nil {
		if err := f.CreateFunc(opts); err != nil {
			return "", err
		}
	}
	for _, c := range f.containers {
		if c.Name == opts.Name {
			return "", fault.New(fault.NameConflict, "docker run "+opts.Name, "container name already in use")
		}
	}
	f.seq++
	c := &Container{
		ID:    fmt.Sprintf("%064d", f.seq),
		Name:  opts.Name,
		Opts:  opts,
		Files: map[string][]byte{},
	}
	f.containers[c.ID] = c
	if opts.HostPort > 0 {
		for _, o := range f.containers {
			if o != c && o.Running && o.HostPort == opts.HostPort {
				return "", fault.New(fault.PortInUse, "docker run "+opts.Name, "host port already in use").
					WithOutput("", "Bind for 0.0.0.0:"+strconv.Itoa(opts.HostPort)+" failed: port is already allocated")
			}
		}
		c.HostPort = opts.HostPort
	} else if opts.Port > 0 {
		c.HostPort = 40000 + f.seq
	}
	c.Running = true
	if f.ExitOnStart != nil {
		c.Running = false
		c.ExitCode = *f.ExitOnStart
	}
	return c.ID, nil
}

func (f *Fake) lookup(id string) (*Container, bool) {
	if c, ok := f.containers[id]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.Name == id {
			return c, true
		}
	}
	return nil, false
}

func (f *Fake) Exec(ctx context.Context, id string, opts runtime.ExecOpts) (runtime.ExecResult, error) {
	f.mu.Lock()
	f.record("exec %s %s", id, strings.Join(opts.Argv, " "))
	c, ok := f.lookup(id)
	fn := f.ExecFunc
	f.mu.Unlock()
	if !ok {
		return runtime.ExecResult{}, fmt.Errorf("exec in %s: %w", id, runtime.ErrNotFound)
	}
	if !c.Running {
		return runtime.ExecResult{ExitCode: 1, Stderr: "container " + id + " is not running"}, nil
	}
	if fn != nil {
		return fn(ctx, c, opts)
	}
	return f.emulate(ctx, c, opts)
}

// emulate understands a handful of commands: true, false, echo, sleep N,
// cat PATH, and sh -c "echo X > PATH". A sleep cut short by ctx records a
// kill, as the docker runtime kills the in-container process.
func (f *Fake) emulate(ctx context.Context, c *Container, opts runtime.ExecOpts) (runtime.ExecResult, error) {
	argv := opts.Argv
	if opts.Detach {
		return runtime.ExecResult{}, nil
	}
	switch argv[0] {
	case "true":
		return runtime.ExecResult{}, nil
	case "false":
		return runtime.ExecResult{ExitCode: 1}, nil
	case "echo":
		return runtime.ExecResult{Stdout: strings.Join(argv[1:], " ") + "\n"}, nil
	case "cat":
		f.mu.Lock()
		data, ok := c.Files[argv[len(argv)-1]]
		f.mu.Unlock()
		if !ok {
			return runtime.ExecResult{ExitCode: 1, Stderr: "cat: " + argv[len(argv)-1] + ": No such file or directory\n"}, nil
		}
		return runtime.ExecResult{Stdout: string(data)}, nil
	case "sleep":
		d, _ := strconv.ParseFloat(argv[len(argv)-1], 64)
		res := runtime.ExecResult{Stdout: "sleeping\n"}
		select {
		case <-time.After(time.Duration(d * float64(time.Second))):
			return res, nil
		case <-ctx.Done():
			f.mu.Lock()
			f.record("kill %s %s", c.ID, strings.Join(argv, " "))
			f.mu.Unlock()
			res.ExitCode = -1
			return res, ctx.Err()
		}
	case "sh":
		if len(argv) == 3 && argv[1] == "-c" {
			if text, path, ok := parseRedirect(argv[2]); ok {
				f.mu.Lock()
				c.Files[path] = []byte(text + "\n")
				f.mu.Unlock()
				return runtime.ExecResult{}, nil
			}
		}
	}
	return runtime.ExecResult{Stdout: strings.Join(argv, " ") + "\n"}, nil
}

func parseRedirect(script string) (string, string, bool) {
	lhs, path, ok := strings.Cut(script, ">")
	if !ok || !strings.HasPrefix(strings.TrimSpace(lhs), "echo ") {
		return "", "", false
	}
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lhs), "echo "))
	text = strings.Trim(text, `"'`)
	return text, strings.TrimSpace(path), true
}

func (f *Fake) Inspect(ctx context.Context, id string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect %s", id)
	c, ok := f.lookup(id)
	if !ok {
		return runtime.State{}, fmt.Errorf("inspect %s: %w", id, runtime.ErrNotFound)
	}
	st := runtime.State{Running: c.Running, ExitCode: c.ExitCode, Status: "exited", HostPorts: map[int]int{}}
	if c.Running {
		st.Status = "running"
	}
	if c.HostPort > 0 {
		st.HostPorts[c.Opts.Port] = c.HostPort
	}
	return st, nil
}

func (f *Fake) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", id)
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, runtime.ErrNotFound)
	}
	c.Running = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", id)
	f.removes[id]++
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("remove %s: %w", id, runtime.ErrNotFound)
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *Fake) CopyFrom(ctx context.Context, id, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copy %s %s", id, path)
	c, ok := f.lookup(id)
	if !ok {
		return nil, fmt.Errorf("copy %s: %w", id, runtime.ErrNotFound)
	}
	data, ok := c.Files[path]
	if !ok {
		return nil, fmt.Errorf("copy %s:%s: %w", id, path, runtime.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) CopyTreeFrom(ctx context.Context, id, dir string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copytree %s %s", id, dir)
	c, ok := f.lookup(id)
	if !ok {
		return nil, fmt.Errorf("copy %s: %w", id, runtime.ErrNotFound)
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	out := map[string][]byte{}
	for p, data := range c.Files {
		if rel, ok := strings.CutPrefix(p, prefix); ok && rel != "" {
			out[rel] = append([]byte(nil), data...)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("copy %s:%s: %w", id, dir, runtime.ErrNotFound)
	}
	return out, nil
}

func (f *Fake) CopyTo(ctx context.Context, id, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copyto %s %s", id, path)
	c, ok := f.lookup(id)
	if !ok {
		return fmt.Errorf("copy to %s: %w", id, runtime.ErrNotFound)
	}
	c.Files[path] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) List(ctx context.Context, labels map[string]string) ([]runtime.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.Summary
	for _, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.Opts.Labels[k] != v {
				match = false
			}
		}
		if !match {
			continue
		}
		s := runtime.Summary{ID: c.ID, Name: c.Name, State: "exited", Labels: c.Opts.Labels}
		if c.Running {
			s.State = "running"
		}
		if ts, err := strconv.ParseInt(c.Opts.Labels[runtime.LabelCreated], 10, 64); err == nil {
			s.CreatedAt = time.Unix(ts, 0)
		}
		out = append(out, s)
	}
	return out, nil
}

// WriteFile places a file in a live container.
func (f *Fake) WriteFile(id, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.lookup(id); ok {
		c.Files[path] = data
	}
}

// Live returns the number of containers that have not been removed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Removes returns how many times Remove was called for id.
func (f *Fake) Removes(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removes[id]
}

func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls starting with prefix, e.g. "create".
func (f *Fake) CallCount(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

var _ runtime.Runtime = (*Fake)(nil)
