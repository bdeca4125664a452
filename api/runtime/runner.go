package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the container (or a path inside it) does not
// exist. Teardown treats it as success.
var ErrNotFound = errors.New("not found")

const (
	LabelManaged = "skiff.managed"
	LabelFamily  = "skiff.family"
	LabelCreated = "skiff.created"
	LabelRun     = "skiff.run"  // run that owns the environment
	LabelPort    = "skiff.port" // exposed container port
)

type CreateOpts struct {
	Name     string
	Image    string
	Port     int // container port to publish
	HostPort int // 0 lets the runtime pick
	Env      map[string]string
	Cmd      []string
	Labels   map[string]string
	Network  string
}

type ExecOpts struct {
	Argv    []string
	WorkDir string
	Env     map[string]string
	Detach  bool
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

type State struct {
	Running   bool
	ExitCode  int
	Status    string
	HostPorts map[int]int // container port -> host port
}

type Summary struct {
	ID        string
	Name      string
	State     string
	Labels    map[string]string
	CreatedAt time.Time
}

// Runtime is the boundary to the container engine. Exec reports a non-zero
// exit through ExecResult.ExitCode, not through the error; a cancelled or
// expired context returns the partial result together with ctx.Err(), and
// by then a foreground process inside the container has been killed.
type Runtime interface {
	Create(ctx context.Context, opts CreateOpts) (string, error)
	Exec(ctx context.Context, id string, opts ExecOpts) (ExecResult, error)
	Inspect(ctx context.Context, id string) (State, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
	CopyFrom(ctx context.Context, id, path string) ([]byte, error)
	// CopyTreeFrom returns the regular files under dir keyed by their path
	// relative to dir. An empty or missing directory is ErrNotFound.
	CopyTreeFrom(ctx context.Context, id, dir string) (map[string][]byte, error)
	// CopyTo writes a file into the container, creating parent directories.
	CopyTo(ctx context.Context, id, path string, data []byte) error
	List(ctx context.Context, labels map[string]string) ([]Summary, error)
}
