package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"skiff/api/model"
)

const maxOutboundBody = 1 << 20

type OutboundRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout model.Duration    `json:"timeout,omitempty"`
}

type OutboundResponse struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	DurationMs int64             `json:"durationMs"`
	Error      string            `json:"error,omitempty"`
}

// OutboundHTTP makes an HTTP request on the caller's behalf, typically
// against an app running in an environment, and returns the response with
// a JSON body decoded when possible.
func (h *Handler) OutboundHTTP(w http.ResponseWriter, r *http.Request) {
	var req OutboundRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		badRequest(w, "url must be an absolute http or https URL")
		return
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		badRequest(w, "unsupported method "+req.Method)
		return
	}

	timeout := req.Timeout.D()
	if timeout <= 0 || timeout > 5*time.Minute {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if body != nil {
		out.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		out.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.outbound.Do(out)
	if err != nil {
		writeStatus(w, http.StatusBadGateway, OutboundResponse{Headers: map[string]string{}, Error: err.Error(), DurationMs: time.Since(start).Milliseconds()})
		return
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutboundBody))

	result := OutboundResponse{
		Status:     resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		DurationMs: time.Since(start).Milliseconds(),
	}
	for k := range resp.Header {
		result.Headers[k] = resp.Header.Get(k)
	}
	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		result.Body = decoded
	} else {
		result.Body = string(data)
	}
	writeJSON(w, result)
}
