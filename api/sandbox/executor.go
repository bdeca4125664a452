package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/runtime"
)

const DefaultExecTimeout = 120 * time.Second

type ExecOptions struct {
	Timeout time.Duration
	WorkDir string
	Env     map[string]string
	Detach  bool
}

type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs argument vectors inside an environment.
type Executor struct {
	rt runtime.Runtime
}

func NewExecutor(rt runtime.Runtime) *Executor {
	return &Executor{rt: rt}
}

// Exec runs argv without a shell. When opts.Timeout elapses the process is
// killed inside the environment and Exec returns a TimedOut fault carrying
// the partial output. A non-zero exit returns an Execution fault together
// with the full Output.
func (e *Executor) Exec(ctx context.Context, env *model.Environment, argv []string, opts ExecOptions) (Output, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Output{}, fault.New(fault.Validation, "exec", "empty command")
	}
	op := CommandLine(argv)
	if env == nil || env.Removed() {
		return Output{}, fault.New(fault.Execution, op, "environment is not available")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.rt.Exec(cctx, env.ID, runtime.ExecOpts{
		Argv:    argv,
		WorkDir: opts.WorkDir,
		Env:     opts.Env,
		Detach:  opts.Detach,
	})
	out := Output{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Duration: time.Since(start)}

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return out, fmt.Errorf("%s: %w", op, ctx.Err())
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			out.ExitCode = -1
			return out, fault.Newf(fault.TimedOut, op, "timed out after %s", timeout).WithOutput(out.Stdout, out.Stderr)
		case errors.Is(err, runtime.ErrNotFound):
			return out, fault.New(fault.Execution, op, "environment no longer exists")
		default:
			return out, fault.Wrap(fault.Execution, op, err).WithOutput(out.Stdout, out.Stderr)
		}
	}
	if out.ExitCode != 0 {
		return out, fault.Newf(fault.Execution, op, "exit status %d", out.ExitCode).WithOutput(out.Stdout, out.Stderr)
	}
	return out, nil
}

// Shell joins fragments with && into a single sh -c invocation. Fragments
// must be fixed text or built with Quote; nothing caller-supplied may be
// interpolated raw.
func Shell(fragments ...string) []string {
	return []string{"sh", "-c", strings.Join(fragments, " && ")}
}

// Quote single-quotes s for POSIX sh.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CommandLine renders argv for logs and error messages.
func CommandLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = Quote(a)
	}
	s := strings.Join(parts, " ")
	if len(s) > 160 {
		s = s[:157] + "..."
	}
	return s
}
