package model

import (
	"strings"

	"skiff/api/fault"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

type ValidationFinding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
}

type ValidationResult struct {
	App      string              `json:"app"`
	Errors   int                 `json:"errors"`
	Warnings int                 `json:"warnings"`
	Infos    int                 `json:"infos"`
	Findings []ValidationFinding `json:"findings"`
}

func (r *ValidationResult) Add(f ValidationFinding) {
	r.Findings = append(r.Findings, f)
	switch f.Severity {
	case SeverityError:
		r.Errors++
	case SeverityWarning:
		r.Warnings++
	case SeverityInfo:
		r.Infos++
	}
}

func (r *ValidationResult) Valid() bool {
	return r.Errors == 0
}

// Err folds the error findings into a single validation fault, or nil.
func (r *ValidationResult) Err(op string) error {
	if r.Valid() {
		return nil
	}
	var msgs []string
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			msgs = append(msgs, f.Message)
		}
	}
	return fault.New(fault.Validation, op, strings.Join(msgs, "; "))
}
