package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"skiff/api/fault"
	"skiff/api/model"
)

const maxBody = 16 << 20 // workflows may carry base64 input files

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.PortInUse, fault.NameConflict:
		return http.StatusConflict
	case fault.TimedOut:
		return http.StatusGatewayTimeout
	case fault.ArtifactMissing:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: string(fault.KindOf(err))}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Stdout, body.Stderr = fe.Stdout, fe.Stderr
	}
	writeStatus(w, statusFor(fault.KindOf(err)), body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeStatus(w, http.StatusBadRequest, errorBody{Error: msg, Kind: string(fault.Validation)})
}

func notFound(w http.ResponseWriter, msg string) {
	writeStatus(w, http.StatusNotFound, errorBody{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeWorkflow accepts JSON or, with a YAML content type, the same
// document format the CLI reads from disk.
func decodeWorkflow(r *http.Request) (*model.Workflow, error) {
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			return nil, err
		}
		return model.ParseWorkflow(data)
	}
	var wf model.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		return nil, err
	}
	if wf.Name == "" {
		wf.Name = "workflow"
	}
	return &wf, nil
}
