// Package query runs database clients inside an environment and turns
// their output into comparable values. Queries always travel as a single
// argv element; nothing is spliced into a shell command.
package query

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

type Execer interface {
	Exec(ctx context.Context, env *model.Environment, argv []string, opts sandbox.ExecOptions) (sandbox.Output, error)
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateName checks a database name before it is used in a client URI or
// argument.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fault.Newf(fault.Validation, "query", "invalid database name %q", name)
	}
	return nil
}

// decode parses client output as JSON, falling back to the trimmed text.
func decode(stdout string) any {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return []any{}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
