package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can decide whether a step policy,
// a retry, or an immediate abort applies.
type Kind string

const (
	Validation      Kind = "validation"
	Provision       Kind = "provision"
	PortInUse       Kind = "port_in_use"
	NameConflict    Kind = "name_conflict"
	Execution       Kind = "execution"
	TimedOut        Kind = "timed_out"
	ArtifactMissing Kind = "artifact_missing"
	CleanupWarning  Kind = "cleanup_warning"
)

// Error is the structured error carried through the lifecycle manager.
// Stdout and Stderr hold whatever raw tool output was captured, including
// partial output of a command that was killed on timeout.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Stdout  string
	Stderr  string
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if out := e.Output(); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Output returns stderr followed by stdout, trimmed.
func (e *Error) Output() string {
	stderr := strings.TrimSpace(e.Stderr)
	stdout := strings.TrimSpace(e.Stdout)
	switch {
	case stderr != "" && stdout != "":
		return stderr + "\nSTDOUT: " + stdout
	case stderr != "":
		return stderr
	default:
		return stdout
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, cause error) *Error {
	msg := string(kind)
	return &Error{Kind: kind, Op: op, Message: strings.ReplaceAll(msg, "_", " "), Cause: cause}
}

// WithOutput attaches captured process output and returns the same error.
func (e *Error) WithOutput(stdout, stderr string) *Error {
	e.Stdout = stdout
	e.Stderr = stderr
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind. PortInUse and NameConflict
// are both provisioning failures.
func Is(err error, kind Kind) bool {
	k := KindOf(err)
	if k == kind {
		return true
	}
	return kind == Provision && (k == PortInUse || k == NameConflict)
}
