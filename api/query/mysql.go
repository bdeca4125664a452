package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"skiff/api/fault"
	"skiff/api/model"
	"skiff/api/sandbox"
)

const (
	DefaultMySQLUser         = "evaluator"
	DefaultMySQLPassword     = "evaluatorpass"
	DefaultMySQLDatabase     = "contest_db"
	DefaultMySQLReadyTimeout = 60 * time.Second
	DefaultQueryTimeout      = 30 * time.Second
)

// MySQL runs the mysql client inside a MySQL environment.
type MySQL struct {
	Exec     Execer
	Env      *model.Environment
	User     string
	Password string
	Database string
}

func (m MySQL) creds() []string {
	user, pw := m.User, m.Password
	if user == "" {
		user = DefaultMySQLUser
	}
	if pw == "" && m.User == "" {
		pw = DefaultMySQLPassword
	}
	args := []string{"mysql", "-u", user}
	if pw != "" {
		args = append(args, "-p"+pw)
	}
	return args
}

func (m MySQL) database() string {
	if m.Database == "" {
		return DefaultMySQLDatabase
	}
	return m.Database
}

// PingArgv is the readiness check: the account can log in and run SELECT 1.
func (m MySQL) PingArgv() []string {
	return append(m.creds(), "-e", "SELECT 1")
}

// Argv runs q against the database.
func (m MySQL) Argv(q string) []string {
	return append(m.creds(), m.database(), "-e", q)
}

// EvalArgv runs q with tab-separated, unescaped, headerless output.
func (m MySQL) EvalArgv(q string) []string {
	return append(m.creds(), m.database(), "--batch", "--raw", "--skip-column-names", "-e", q)
}

// Setup runs each statement in order and stops at the first failure.
func (m MySQL) Setup(ctx context.Context, queries []string) (int, error) {
	if err := ValidateName(m.database()); err != nil {
		return 0, err
	}
	for i, q := range queries {
		if _, err := m.Exec.Exec(ctx, m.Env, m.Argv(q), sandbox.ExecOptions{Timeout: 60 * time.Second}); err != nil {
			return i, fmt.Errorf("setup query %d/%d failed: %w", i+1, len(queries), err)
		}
	}
	return len(queries), nil
}

type Comparison struct {
	Expected any  `json:"expected"`
	Actual   any  `json:"actual"`
	Match    bool `json:"match"`
}

type Evaluation struct {
	Status      string      `json:"status"`
	Query       string      `json:"query"`
	Result      any         `json:"result,omitempty"`
	Rows        [][]string  `json:"rows,omitempty"`
	Correct     bool        `json:"correct"`
	Comparison  *Comparison `json:"comparison,omitempty"`
	Error       string      `json:"error,omitempty"`
	ExecutionMs int64       `json:"executionMs"`
}

// Evaluate runs a submitted query and, when expected is non-nil, compares
// the result with it ignoring row order. Client errors and timeouts are
// reported in the Evaluation, not as Go errors.
func (m MySQL) Evaluate(ctx context.Context, q string, expected any, timeout time.Duration) Evaluation {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ev := Evaluation{Query: q}
	if err := ValidateName(m.database()); err != nil {
		ev.Status = StatusError
		ev.Error = err.Error()
		return ev
	}
	start := time.Now()
	out, err := m.Exec.Exec(ctx, m.Env, m.EvalArgv(q), sandbox.ExecOptions{Timeout: timeout})
	ev.ExecutionMs = time.Since(start).Milliseconds()
	switch {
	case fault.Is(err, fault.TimedOut):
		ev.Status = StatusTimeout
		ev.Error = fmt.Sprintf("query timed out after %s", timeout)
		return ev
	case err != nil:
		ev.Status = StatusError
		ev.Error = strings.TrimSpace(out.Stderr)
		if ev.Error == "" {
			ev.Error = err.Error()
		}
		return ev
	}

	ev.Status = StatusSuccess
	ev.Result = decode(out.Stdout)
	switch ev.Result.(type) {
	case []any, map[string]any:
	default:
		ev.Rows = splitRows(out.Stdout)
	}
	ev.Correct = true
	if expected != nil {
		ev.Correct = Compare(ev.Result, ev.Rows, expected)
		ev.Comparison = &Comparison{Expected: expected, Actual: ev.Result, Match: ev.Correct}
	}
	return ev
}

func splitRows(stdout string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(strings.TrimRight(stdout, "\n"), "\n") {
		rows = append(rows, strings.Split(line, "\t"))
	}
	return rows
}

// Compare reports whether actual matches expected regardless of row order.
// When the client printed plain rows, expected rows (arrays of scalars, or
// scalars for single-column results) are compared cell by cell as text.
func Compare(actual any, rows [][]string, expected any) bool {
	exp, expIsList := expected.([]any)
	if act, ok := actual.([]any); ok && expIsList {
		return sameMultiset(canonicalAll(act), canonicalAll(exp))
	}
	if rows != nil && expIsList {
		want, ok := textRows(exp)
		if !ok || len(want) != len(rows) {
			return false
		}
		got := make([]string, len(rows))
		for i, r := range rows {
			got[i] = strings.Join(r, "\t")
		}
		return sameMultiset(got, want)
	}
	return canonical(actual) == canonical(expected)
}

func textRows(exp []any) ([]string, bool) {
	out := make([]string, len(exp))
	for i, e := range exp {
		switch v := e.(type) {
		case []any:
			cells := make([]string, len(v))
			for j, c := range v {
				s, ok := cell(c)
				if !ok {
					return nil, false
				}
				cells[j] = s
			}
			out[i] = strings.Join(cells, "\t")
		default:
			s, ok := cell(v)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
	}
	return out, true
}

func cell(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "NULL", true
	case string:
		return x, true
	case float64, bool:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func canonicalAll(vs []any) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = canonical(v)
	}
	return out
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
