package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsToken(t *testing.T) {
	var gotAuth, gotCT string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"runId":"abc","status":"running"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret")
	id, err := c.StartWorkflow([]byte("name: x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "abc" {
		t.Errorf("run id = %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCT != "application/yaml" || string(gotBody) != "name: x\n" {
		t.Errorf("content type %q body %q", gotCT, gotBody)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "host port 8080 is already in use", "kind": "port_in_use"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CreateEnvironment(Descriptor{Image: "node:20-alpine", Port: 3000, HostPort: 8080})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Kind != "port_in_use" {
		t.Errorf("error = %+v", apiErr)
	}
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Health()
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "unauthorized" {
		t.Fatalf("err = %v", err)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base, token, want string
	}{
		{"http://localhost:8900", "", "ws://localhost:8900/ws"},
		{"https://skiff.example.com", "a b", "wss://skiff.example.com/ws?token=a+b"},
	}
	for _, tt := range tests {
		if got := New(tt.base, tt.token).WebSocketURL(); got != tt.want {
			t.Errorf("WebSocketURL(%s) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestArtifactKeepsDirectorySegments(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	data, err := New(srv.URL, "").Artifact("run-1", "output/my plot.png")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png" {
		t.Errorf("data = %q", data)
	}
	if gotPath != "/api/runs/run-1/artifacts/output/my%20plot.png" {
		t.Errorf("path = %s", gotPath)
	}
}
